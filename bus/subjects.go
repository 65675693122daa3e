package bus

import (
	"strings"

	"github.com/admadc/admadc/event"
)

// Stream and subject layout. Every event is published to the events stream
// under a subject derived from its type; exhausted deliveries land in the
// dead-letter stream under the consuming queue's subject.
const (
	EventStream  = "ADMADC_EVENTS"
	DLXStream    = "ADMADC_DLX"
	eventPrefix  = "events."
	dlxPrefix    = "dlx."
	matchAll     = "#"
	allEvents    = "events.>"
)

// Subject maps an event type to its stream subject.
func Subject(t event.Type) string {
	return eventPrefix + string(t)
}

// BindingSubject maps a routing binding to a JetStream filter subject.
// The "#" binding subscribes to every event.
func BindingSubject(binding string) string {
	if binding == matchAll {
		return allEvents
	}
	return eventPrefix + binding
}

// DLQSubject is where a queue's exhausted messages are parked.
func DLQSubject(queue string) string {
	return dlxPrefix + queue
}

// sanitizeDurable rewrites a queue name into a valid JetStream durable name.
// Durable names cannot contain dots, spaces, or wildcard characters.
func sanitizeDurable(name string) string {
	r := strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-")
	return r.Replace(name)
}
