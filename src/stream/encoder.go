package stream

import (
	"encoding/json"
	"io"
)

// DoneSentinel is written in place of the done event.
const DoneSentinel = "[DONE]"

// Encoder writes events as newline-delimited JSON and flushes after each
// one when the writer supports it.
type Encoder struct {
	w   io.Writer
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{w: w, enc: enc}
}

func (e *Encoder) Encode(ev Event) error {
	var err error
	if ev.Type == EventDone {
		_, err = io.WriteString(e.w, DoneSentinel+"\n")
	} else {
		err = e.enc.Encode(ev)
	}
	if err != nil {
		return err
	}
	if f, ok := e.w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return nil
}

// Drain encodes every event from ch until it closes. It keeps draining after
// a write error so the producer is never blocked, and returns the first error.
func (e *Encoder) Drain(ch <-chan Event) error {
	var first error
	for ev := range ch {
		if first != nil {
			continue
		}
		first = e.Encode(ev)
	}
	return first
}
