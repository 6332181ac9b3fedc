package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/temirov/toolstream/internal/services/stream"
)

const jsonIndent = "  "

type jsonStreamRenderer struct {
	stdout      io.Writer
	stderr      io.Writer
	arrayOpened bool
	arrayClosed bool
}

// NewJSONStreamRenderer writes every event as an element of one JSON array, element by element.
func NewJSONStreamRenderer(stdout, stderr io.Writer) StreamRenderer {
	return &jsonStreamRenderer{stdout: stdout, stderr: stderr}
}

func (renderer *jsonStreamRenderer) Handle(event stream.Event) error {
	if event.Kind == stream.EventKindWarning && event.Message != nil && renderer.stderr != nil {
		if _, err := fmt.Fprintln(renderer.stderr, event.Message.Message); err != nil {
			return err
		}
	}
	if renderer.stdout == nil || renderer.arrayClosed {
		return nil
	}
	encoded, err := json.MarshalIndent(event, jsonIndent, jsonIndent)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Kind, err)
	}
	separator := ",\n" + jsonIndent
	if !renderer.arrayOpened {
		separator = "[\n" + jsonIndent
		renderer.arrayOpened = true
	}
	if _, err := io.WriteString(renderer.stdout, separator); err != nil {
		return err
	}
	_, err = renderer.stdout.Write(encoded)
	return err
}

func (renderer *jsonStreamRenderer) Flush() error {
	if renderer.stdout == nil || renderer.arrayClosed {
		return nil
	}
	renderer.arrayClosed = true
	closing := "\n]\n"
	if !renderer.arrayOpened {
		closing = "[]\n"
	}
	_, err := io.WriteString(renderer.stdout, closing)
	return err
}
