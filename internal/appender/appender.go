// Package appender merges confirmed visible text into a message and throttles durable writes.
package appender

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultPersistEvery is the number of characters accumulated between durable writes.
const DefaultPersistEvery = 200

// Sink receives text increments and full-content overwrites for one message.
type Sink interface {
	AppendText(ctx context.Context, messageID string, text string) error
	OverwriteContent(ctx context.Context, messageID string, content string) error
}

// Options configures an Appender.
type Options struct {
	PersistEvery int
	Logger       *zap.Logger
}

// Appender owns the live value of one message.
type Appender struct {
	ctx          context.Context
	messageID    string
	sink         Sink
	persistEvery int
	logger       *zap.Logger

	mutex      sync.Mutex
	content    strings.Builder
	sinceWrite int
	writes     int
	failures   int
}

// New returns an Appender seeded with initial content. A nil sink keeps content in memory only.
func New(ctx context.Context, messageID string, initial string, sink Sink, options Options) *Appender {
	persistEvery := options.PersistEvery
	if persistEvery <= 0 {
		persistEvery = DefaultPersistEvery
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	appender := &Appender{
		ctx:          ctx,
		messageID:    messageID,
		sink:         sink,
		persistEvery: persistEvery,
		logger:       logger,
	}
	appender.content.WriteString(initial)
	if sink != nil && initial != "" {
		// later overwrites only apply to values that extend the stored one
		if err := sink.OverwriteContent(ctx, messageID, initial); err != nil {
			appender.recordFailure("seed content", err)
		}
	}
	return appender
}

// Append adds text to the live value and persists the full value once enough characters
// accumulated since the previous write.
func (appender *Appender) Append(text string) {
	if text == "" {
		return
	}
	appender.mutex.Lock()
	defer appender.mutex.Unlock()
	appender.content.WriteString(text)
	appender.sinceWrite += utf8.RuneCountInString(text)
	if appender.sink == nil {
		return
	}
	if err := appender.sink.AppendText(appender.ctx, appender.messageID, text); err != nil {
		appender.recordFailure("append text", err)
	}
	if appender.sinceWrite >= appender.persistEvery {
		appender.persistLocked()
	}
}

// Flush requests a final durable write of the full value.
func (appender *Appender) Flush() {
	appender.mutex.Lock()
	defer appender.mutex.Unlock()
	if appender.sink == nil {
		return
	}
	appender.persistLocked()
}

// Content returns the live value.
func (appender *Appender) Content() string {
	appender.mutex.Lock()
	defer appender.mutex.Unlock()
	return appender.content.String()
}

// Writes returns the number of durable writes requested.
func (appender *Appender) Writes() int {
	appender.mutex.Lock()
	defer appender.mutex.Unlock()
	return appender.writes
}

// Failures returns the number of sink calls that failed.
func (appender *Appender) Failures() int {
	appender.mutex.Lock()
	defer appender.mutex.Unlock()
	return appender.failures
}

func (appender *Appender) persistLocked() {
	appender.writes++
	appender.sinceWrite = 0
	if err := appender.sink.OverwriteContent(appender.ctx, appender.messageID, appender.content.String()); err != nil {
		appender.recordFailure("overwrite content", err)
	}
}

func (appender *Appender) recordFailure(operation string, err error) {
	appender.failures++
	appender.logger.Warn("message sink failure",
		zap.String("messageId", appender.messageID),
		zap.String("operation", operation),
		zap.Error(err))
}
