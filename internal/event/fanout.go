package event

// Fanout publishes every event to each sink in order. Sinks that need
// isolation from slow consumers must buffer internally.
type Fanout []Sink

func (f Fanout) Publish(ev Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}
