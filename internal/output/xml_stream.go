package output

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/temirov/toolstream/internal/services/stream"
)

type xmlStreamRenderer struct {
	stdout  io.Writer
	stderr  io.Writer
	encoder *xml.Encoder
	started bool
}

func NewXMLStreamRenderer(stdout, stderr io.Writer) StreamRenderer {
	return &xmlStreamRenderer{stdout: stdout, stderr: stderr}
}

func (renderer *xmlStreamRenderer) Handle(event stream.Event) error {
	if event.Kind == stream.EventKindWarning && event.Message != nil && renderer.stderr != nil {
		fmt.Fprintln(renderer.stderr, event.Message.Message)
	}
	return renderer.writeEvent(event)
}

func (renderer *xmlStreamRenderer) Flush() error {
	if renderer.stdout == nil {
		return nil
	}
	if err := renderer.ensureEncoder(); err != nil {
		return err
	}
	if err := renderer.encoder.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(renderer.stdout, "</events>\n")
	return err
}

func (renderer *xmlStreamRenderer) ensureEncoder() error {
	if renderer.stdout == nil || renderer.started {
		return nil
	}
	if _, err := io.WriteString(renderer.stdout, xml.Header); err != nil {
		return err
	}
	if _, err := io.WriteString(renderer.stdout, "<events>\n"); err != nil {
		return err
	}
	renderer.encoder = xml.NewEncoder(renderer.stdout)
	renderer.encoder.Indent("", "  ")
	renderer.started = true
	return nil
}

func (renderer *xmlStreamRenderer) writeEvent(event stream.Event) error {
	if renderer.stdout == nil {
		return nil
	}
	if err := renderer.ensureEncoder(); err != nil {
		return err
	}
	start := xml.StartElement{Name: xml.Name{Local: "event"}}
	addAttr := func(name, value string) {
		if value != "" {
			start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: name}, Value: value})
		}
	}
	addAttr("version", strconv.Itoa(event.Version))
	addAttr("kind", string(event.Kind))
	addAttr("messageId", event.MessageID)
	if !event.EmittedAt.IsZero() {
		addAttr("emittedAt", event.EmittedAt.Format(time.RFC3339Nano))
	}
	addAttr("server", event.Server)
	addAttr("tool", event.Tool)
	addAttr("cardId", event.CardID)
	if err := renderer.encoder.EncodeToken(start); err != nil {
		return err
	}
	encodeText := func(name, value string) error {
		if value == "" {
			return nil
		}
		return renderer.encoder.EncodeElement(value, xml.StartElement{Name: xml.Name{Local: name}})
	}
	if err := encodeText("text", event.Text); err != nil {
		return err
	}
	if err := encodeText("arguments", event.ArgumentsJSON); err != nil {
		return err
	}
	if event.Summary != nil {
		if err := renderer.encoder.EncodeElement(event.Summary, xml.StartElement{Name: xml.Name{Local: "summary"}}); err != nil {
			return err
		}
	}
	if event.Message != nil {
		if err := renderer.encoder.EncodeElement(event.Message, xml.StartElement{Name: xml.Name{Local: "message"}}); err != nil {
			return err
		}
	}
	if err := renderer.encoder.EncodeToken(start.End()); err != nil {
		return err
	}
	if err := renderer.encoder.Flush(); err != nil {
		return err
	}
	_, err := renderer.stdout.Write([]byte("\n"))
	return err
}
