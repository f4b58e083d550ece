package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/abcd567a/dump1090/internal/view"
	"github.com/abcd567a/dump1090/pkg/feed"
)

var columns = []string{"HEX", "FLIGHT", "ALT", "SPD", "TRK", "V/S", "SQWK", "CAT", "MSGS", "SEEN"}

// App is the table viewer
type App struct {
	backend string

	// UI components
	tviewApp   *tview.Application
	table      *tview.Table
	status     *tview.TextView
	logs       *LogPanel
	rootLayout *tview.Flex

	// State
	mu         sync.Mutex
	snapshot   feed.Snapshot
	received   time.Time
	lastError  string
	sortKey    view.SortKey
	descending bool
}

// NewApp creates the viewer for backend
func NewApp(backend string, logs *LogPanel) *App {
	a := &App{
		backend: backend,
		logs:    logs,
		sortKey: view.SortHex,
	}
	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.tviewApp = tview.NewApplication()

	a.table = tview.NewTable().
		SetFixed(1, 0).
		SetSelectable(true, false)
	a.table.SetBorder(true).SetTitle(" Aircraft ")

	a.status = tview.NewTextView().SetDynamicColors(true)
	a.status.SetBorder(true).SetTitle(fmt.Sprintf(" SkyAware (%s) ", a.backend))

	controls := tview.NewTextView().
		SetDynamicColors(true).
		SetText("[white]↑/↓[-] select  [white]s[-] sort column  [white]r[-] reverse  [white]q[-] quit")

	a.rootLayout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.status, 3, 0, false).
		AddItem(a.table, 0, 3, true).
		AddItem(a.logs.View(), 8, 0, false).
		AddItem(controls, 1, 0, false)

	a.tviewApp.SetRoot(a.rootLayout, true)
	a.tviewApp.SetInputCapture(a.handleKeyboard)

	a.logs.onChange = func(f func()) { a.tviewApp.QueueUpdateDraw(f) }

	a.renderTable()
	a.renderStatus()
}

func (a *App) handleKeyboard(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'q':
		a.tviewApp.Stop()
		return nil
	case 's':
		a.mu.Lock()
		a.sortKey = a.sortKey.Next()
		a.mu.Unlock()
		a.renderTable()
		a.renderStatus()
		return nil
	case 'r':
		a.mu.Lock()
		a.descending = !a.descending
		a.mu.Unlock()
		a.renderTable()
		a.renderStatus()
		return nil
	}
	return event
}

// SetSnapshot is called from the feed goroutine
func (a *App) SetSnapshot(s feed.Snapshot) {
	a.mu.Lock()
	a.snapshot = s
	a.received = time.Now()
	a.lastError = ""
	a.mu.Unlock()

	a.tviewApp.QueueUpdateDraw(func() {
		a.renderTable()
		a.renderStatus()
	})
}

// SetError is called from the feed goroutine
func (a *App) SetError(message string) {
	a.mu.Lock()
	a.lastError = message
	a.mu.Unlock()

	a.tviewApp.QueueUpdateDraw(a.renderStatus)
}

// renderTable runs on the UI goroutine
func (a *App) renderTable() {
	a.mu.Lock()
	rows := view.Rows(a.snapshot, a.sortKey, a.descending)
	a.mu.Unlock()

	selected, _ := a.table.GetSelection()
	a.table.Clear()

	for col, name := range columns {
		a.table.SetCell(0, col, tview.NewTableCell(name).
			SetTextColor(tcell.ColorAqua).
			SetAttributes(tcell.AttrBold).
			SetSelectable(false))
	}

	for i, r := range rows {
		color := tcell.ColorGreen
		switch r.AgeClass() {
		case view.AgeAging:
			color = tcell.ColorYellow
		case view.AgeStale:
			color = tcell.ColorRed
		}

		hex := r.Hex
		if r.Mlat {
			hex += "*"
		}
		cells := []string{
			hex, r.FormatFlight(), r.FormatAltitude(), r.FormatSpeed(), r.FormatTrack(),
			r.FormatVerticalRate(), r.Squawk, r.Category, fmt.Sprint(r.Messages), r.FormatSeen(),
		}
		for col, text := range cells {
			cell := tview.NewTableCell(text).SetTextColor(color)
			if col >= 2 {
				cell.SetAlign(tview.AlignRight)
			}
			a.table.SetCell(i+1, col, cell)
		}
	}

	if selected > len(rows) {
		selected = len(rows)
	}
	if selected < 1 {
		selected = 1
	}
	a.table.Select(selected, 0)
}

// renderStatus runs on the UI goroutine
func (a *App) renderStatus() {
	a.mu.Lock()
	defer a.mu.Unlock()

	dir := "asc"
	if a.descending {
		dir = "desc"
	}
	text := fmt.Sprintf("[white]Aircraft:[-] %d  [white]Messages:[-] %d  [white]Sort:[-] %s %s",
		len(a.snapshot.Aircraft), a.snapshot.Messages, a.sortKey, dir)
	if !a.received.IsZero() {
		text += fmt.Sprintf("  [white]Updated:[-] %s", a.received.Format("15:04:05"))
	}
	if a.lastError != "" {
		text += "\n[red]" + tview.Escape(a.lastError) + "[-]"
	}
	a.status.SetText(text)
}

// Run blocks until the user quits
func (a *App) Run() error {
	return a.tviewApp.Run()
}

// Stop ends the application from any goroutine
func (a *App) Stop() {
	a.tviewApp.Stop()
}
