package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"
)

// DefaultChunkSize is the read size used to replay a stored reply as a stream.
const DefaultChunkSize = 16

type ReplayOptions struct {
	Reader    io.Reader
	ChunkSize int
}

type emitter struct {
	ctx context.Context
	out chan<- Event
}

func newEmitter(ctx context.Context, out chan<- Event) *emitter {
	if ctx == nil {
		ctx = context.Background()
	}
	return &emitter{ctx: ctx, out: out}
}

func (e *emitter) send(event Event) error {
	if e.out == nil {
		return fmt.Errorf("stream: event channel is nil")
	}
	event.Version = SchemaVersion
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}
	select {
	case <-e.ctx.Done():
		return e.ctx.Err()
	case e.out <- event:
		return nil
	}
}

func (e *emitter) sendAll(events []Event) error {
	for _, event := range events {
		if err := e.send(event); err != nil {
			return err
		}
	}
	return nil
}

// StreamReply feeds the reader through session in chunks of at most ChunkSize bytes and
// sends every decided event to out. Chunks never split a UTF-8 sequence. The session is
// flushed when the reader is exhausted or the context is canceled.
func StreamReply(ctx context.Context, session *Session, options ReplayOptions, out chan<- Event) error {
	if session == nil {
		return fmt.Errorf("stream: session is nil")
	}
	if options.Reader == nil {
		return fmt.Errorf("stream: reader is nil")
	}
	chunkSize := options.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	emitter := newEmitter(ctx, out)
	reader := bufio.NewReader(options.Reader)
	buffer := make([]byte, 0, chunkSize+utf8.UTFMax)

	for {
		if err := ctx.Err(); err != nil {
			_ = emitter.sendAll(session.Flush())
			return err
		}
		chunk, readErr := readChunk(reader, buffer[:0], chunkSize)
		if len(chunk) > 0 {
			if err := emitter.sendAll(session.Push(string(chunk))); err != nil {
				session.Flush()
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return emitter.sendAll(session.Flush())
		}
		if readErr != nil {
			_ = emitter.sendAll(session.Flush())
			return fmt.Errorf("stream: read reply: %w", readErr)
		}
	}
}

// StreamChunks feeds already split chunks through session.
func StreamChunks(ctx context.Context, session *Session, chunks []string, out chan<- Event) error {
	if session == nil {
		return fmt.Errorf("stream: session is nil")
	}
	emitter := newEmitter(ctx, out)
	for _, chunk := range chunks {
		if err := emitter.sendAll(session.Push(chunk)); err != nil {
			session.Flush()
			return err
		}
	}
	return emitter.sendAll(session.Flush())
}

// readChunk reads up to size bytes, extending the chunk to finish a partial rune.
func readChunk(reader *bufio.Reader, buffer []byte, size int) ([]byte, error) {
	for len(buffer) < size {
		value, err := reader.ReadByte()
		if err != nil {
			return buffer, err
		}
		buffer = append(buffer, value)
	}
	for !utf8.Valid(buffer) && len(buffer) < size+utf8.UTFMax {
		value, err := reader.ReadByte()
		if err != nil {
			return buffer, err
		}
		buffer = append(buffer, value)
	}
	return buffer, nil
}
