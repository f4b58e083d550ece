package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rivo/tview"
	"go.uber.org/zap/zapcore"
)

// LogMessage is a single entry in the log panel
type LogMessage struct {
	Time    time.Time
	Level   zapcore.Level
	Message string
}

// LogPanel keeps recent log messages and renders them into a text view.
// It doubles as a zap core so the feed's structured logs land on screen.
type LogPanel struct {
	textView    *tview.TextView
	maxMessages int

	// onChange schedules a redraw; set once the application exists
	onChange func(func())

	mu       sync.Mutex
	messages []LogMessage
}

// NewLogPanel creates a log panel holding up to maxMessages entries
func NewLogPanel(maxMessages int) *LogPanel {
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(maxMessages)
	textView.SetBorder(true).SetTitle(" Logs ")

	return &LogPanel{
		textView:    textView,
		maxMessages: maxMessages,
		messages:    make([]LogMessage, 0, maxMessages),
	}
}

// View returns the tview component
func (lp *LogPanel) View() tview.Primitive {
	return lp.textView
}

// Add records a message and schedules a redraw
func (lp *LogPanel) Add(level zapcore.Level, message string) {
	lp.mu.Lock()
	lp.messages = append(lp.messages, LogMessage{Time: time.Now(), Level: level, Message: message})
	if len(lp.messages) > lp.maxMessages {
		lp.messages = lp.messages[len(lp.messages)-lp.maxMessages:]
	}
	text := lp.render()
	onChange := lp.onChange
	lp.mu.Unlock()

	update := func() {
		lp.textView.SetText(text)
		lp.textView.ScrollToEnd()
	}
	if onChange != nil {
		onChange(update)
	} else {
		update()
	}
}

// Messages returns a copy of the retained messages
func (lp *LogPanel) Messages() []LogMessage {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return append([]LogMessage(nil), lp.messages...)
}

// render must be called with mu held
func (lp *LogPanel) render() string {
	var b strings.Builder
	for _, msg := range lp.messages {
		fmt.Fprintf(&b, "[gray]%s[-] [%s]%-5s[-] %s\n",
			msg.Time.Format("15:04:05"), levelColor(msg.Level), msg.Level.CapitalString(), tview.Escape(msg.Message))
	}
	return b.String()
}

func levelColor(level zapcore.Level) string {
	switch {
	case level >= zapcore.ErrorLevel:
		return "red"
	case level == zapcore.WarnLevel:
		return "yellow"
	case level == zapcore.DebugLevel:
		return "gray"
	default:
		return "white"
	}
}

// Core returns a zap core writing entries at or above level to the panel
func (lp *LogPanel) Core(level zapcore.LevelEnabler) zapcore.Core {
	return &panelCore{LevelEnabler: level, panel: lp}
}

type panelCore struct {
	zapcore.LevelEnabler
	panel  *LogPanel
	fields []zapcore.Field
}

func (c *panelCore) With(fields []zapcore.Field) zapcore.Core {
	return &panelCore{
		LevelEnabler: c.LevelEnabler,
		panel:        c.panel,
		fields:       append(append([]zapcore.Field(nil), c.fields...), fields...),
	}
}

func (c *panelCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *panelCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msg := entry.Message
	if entry.LoggerName != "" {
		msg = entry.LoggerName + ": " + msg
	}
	for _, k := range keys {
		msg += fmt.Sprintf(" %s=%v", k, enc.Fields[k])
	}
	c.panel.Add(entry.Level, msg)
	return nil
}

func (c *panelCore) Sync() error {
	return nil
}
