package appender_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temirov/toolstream/internal/appender"
)

type recordingSink struct {
	appended   []string
	overwrites []string
	failWith   error
}

func (sink *recordingSink) AppendText(_ context.Context, _ string, text string) error {
	sink.appended = append(sink.appended, text)
	return sink.failWith
}

func (sink *recordingSink) OverwriteContent(_ context.Context, _ string, content string) error {
	sink.overwrites = append(sink.overwrites, content)
	return sink.failWith
}

func TestAppendThrottlesDurableWrites(t *testing.T) {
	testCases := []struct {
		name               string
		persistEvery       int
		increments         []string
		expectedOverwrites int
	}{
		{
			name:               "below threshold waits for flush",
			persistEvery:       200,
			increments:         []string{"hello", " ", "world"},
			expectedOverwrites: 1,
		},
		{
			name:               "each threshold crossing writes",
			persistEvery:       10,
			increments:         []string{strings.Repeat("a", 6), strings.Repeat("b", 6), strings.Repeat("c", 12)},
			expectedOverwrites: 3,
		},
		{
			name:               "characters not bytes",
			persistEvery:       4,
			increments:         []string{"ééé", "é"},
			expectedOverwrites: 2,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			sink := &recordingSink{}
			messageAppender := appender.New(context.Background(), "message-1", "", sink, appender.Options{PersistEvery: testCase.persistEvery})
			for _, increment := range testCase.increments {
				messageAppender.Append(increment)
			}
			messageAppender.Flush()

			expected := strings.Join(testCase.increments, "")
			require.Equal(t, expected, messageAppender.Content())
			require.Equal(t, testCase.increments, sink.appended)
			require.Len(t, sink.overwrites, testCase.expectedOverwrites)
			require.Equal(t, expected, sink.overwrites[len(sink.overwrites)-1])
			for index := 1; index < len(sink.overwrites); index++ {
				require.True(t, strings.HasPrefix(sink.overwrites[index], sink.overwrites[index-1]))
			}
		})
	}
}

func TestAppendKeepsInitialContent(t *testing.T) {
	sink := &recordingSink{}
	messageAppender := appender.New(context.Background(), "message-1", "previous turn", sink, appender.Options{})
	messageAppender.Append(" and more")
	messageAppender.Flush()
	require.Equal(t, []string{"previous turn", "previous turn and more"}, sink.overwrites)
	require.Equal(t, 1, messageAppender.Writes())
}

func TestSinkFailuresAreCounted(t *testing.T) {
	sink := &recordingSink{failWith: errors.New("disk full")}
	messageAppender := appender.New(context.Background(), "message-1", "", sink, appender.Options{PersistEvery: 1})
	messageAppender.Append("x")
	messageAppender.Flush()
	require.Equal(t, "x", messageAppender.Content())
	require.Equal(t, 3, messageAppender.Failures())
	require.Equal(t, 2, messageAppender.Writes())
}

func TestAppendWithoutSink(t *testing.T) {
	messageAppender := appender.New(context.Background(), "message-1", "", nil, appender.Options{})
	messageAppender.Append("text")
	messageAppender.Append("")
	messageAppender.Flush()
	require.Equal(t, "text", messageAppender.Content())
	require.Zero(t, messageAppender.Writes())
}
