// Package tuiapp provides a terminal dashboard over the bus: a device
// table fed by the state store and a scrolling log panel fed by the
// enumerate stream and a chosen device's callback stream.
package tuiapp

import (
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"tinkerlink/device"
	"tinkerlink/ipconn"
	"tinkerlink/statestore"
	"tinkerlink/tfconfig"
)

const (
	statusBulletConnected    = "[green]●[-]"
	statusBulletDisconnected = "[gray]○[-]"
)

// App is the terminal dashboard application.
type App struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	log    *tview.TextView
	status *tview.TextView

	conn  *ipconn.Connection
	store *statestore.Manager
	cfg   *tfconfig.Config

	mu           sync.Mutex
	devices      map[string]deviceRow
	followedUID  string
	followCancel func()

	// DefaultCallbackFunctionID is the function id selecting a device in
	// the table subscribes to, absent per-device generated binding
	// knowledge of which function ids carry callbacks.
	DefaultCallbackFunctionID uint8

	stopChan chan struct{}
}

type deviceRow struct {
	uid              string
	deviceIdentifier uint16
	connected        bool
	lastSeen         time.Time
}

// NewApp creates a dashboard bound to conn and an optional state store
// manager used to seed the initial device table.
func NewApp(cfg *tfconfig.Config, conn *ipconn.Connection, store *statestore.Manager) *App {
	a := &App{
		app:                       tview.NewApplication(),
		conn:                      conn,
		store:                     store,
		cfg:                       cfg,
		devices:                   make(map[string]deviceRow),
		stopChan:                  make(chan struct{}),
		DefaultCallbackFunctionID: 8,
	}
	a.setupUI()
	return a
}

func (a *App) setupUI() {
	a.table = tview.NewTable().SetBorders(false).SetSelectable(true, false)
	a.table.SetBorder(true).SetTitle(" Devices ")

	headers := []string{"", "UID", "Identifier", "Last Seen"}
	for i, h := range headers {
		a.table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetAlign(tview.AlignLeft))
	}

	a.log = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(2000)
	a.log.SetBorder(true).SetTitle(" Events ")

	a.status = tview.NewTextView().SetDynamicColors(true)
	a.status.SetText(fmt.Sprintf(" namespace: %s ", a.cfg.Namespace))

	a.table.SetSelectedFunc(func(row, col int) {
		if row == 0 {
			return
		}
		cell := a.table.GetCell(row, 1)
		if cell == nil {
			return
		}
		if err := a.FollowCallback(cell.Text, a.DefaultCallbackFunctionID); err != nil {
			a.appendLog(fmt.Sprintf("[red]follow failed: %v[-]", err))
		}
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.status, 1, 0, false).
		AddItem(tview.NewFlex().
			AddItem(a.table, 0, 1, true).
			AddItem(a.log, 0, 2, false), 0, 1, true)

	a.pages = tview.NewPages().AddPage("main", flex, true, true)
	a.app.SetRoot(a.pages, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'q', 'Q':
			a.app.Stop()
			return nil
		case 'e':
			go a.runEnumerate()
			return nil
		}
		return event
	})
}

// Run starts the enumerate listener and blocks until the user quits.
func (a *App) Run() error {
	go a.watchEnumerate()
	a.seedFromStore()
	return a.app.Run()
}

// Stop stops the tview application. The enumerate watcher and any
// followed callback stream are not stopped by it; they end when the
// connection closes.
func (a *App) Stop() {
	close(a.stopChan)
	a.app.Stop()
}

func (a *App) seedFromStore() {
	if a.store == nil {
		return
	}
	for _, uid := range a.store.KnownDeviceUIDs() {
		a.upsertDevice(uid, 0, true)
	}
}

func (a *App) runEnumerate() {
	stream, err := a.conn.Enumerate()
	if err != nil {
		a.appendLog(fmt.Sprintf("[red]enumerate failed: %v[-]", err))
		return
	}
	defer stream.Close()

	done := make(chan struct{})
	defer close(done)

	type result struct {
		resp ipconn.EnumerateResponse
		ok   bool
	}
	results := make(chan result)
	go func() {
		for {
			resp, ok := stream.Next()
			select {
			case results <- result{resp, ok}:
			case <-done:
				return
			}
			if !ok {
				return
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			return
		case r := <-results:
			if !r.ok {
				return
			}
			a.handleEnumerateResponse(r.resp)
		}
	}
}

// watchEnumerate keeps the device table live for the lifetime of the
// dashboard, picking up spontaneous connect/disconnect frames.
func (a *App) watchEnumerate() {
	stream, err := a.conn.Enumerate()
	if err != nil {
		a.appendLog(fmt.Sprintf("[red]enumerate failed: %v[-]", err))
		return
	}
	defer stream.Close()

	for {
		resp, ok := stream.Next()
		if !ok {
			return
		}
		a.handleEnumerateResponse(resp)
	}
}

func (a *App) handleEnumerateResponse(resp ipconn.EnumerateResponse) {
	connected := resp.EnumerationType != ipconn.Disconnected
	a.upsertDevice(resp.UID, resp.DeviceIdentifier, connected)
	a.appendLog(fmt.Sprintf("[gray]%s[-] %s (id=%d) connected=%v", time.Now().Format("15:04:05"), resp.UID, resp.DeviceIdentifier, connected))
}

func (a *App) upsertDevice(uid string, deviceIdentifier uint16, connected bool) {
	a.mu.Lock()
	a.devices[uid] = deviceRow{uid: uid, deviceIdentifier: deviceIdentifier, connected: connected, lastSeen: time.Now()}
	a.mu.Unlock()
	a.redrawTable()
}

func (a *App) redrawTable() {
	a.app.QueueUpdateDraw(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		row := 1
		for _, d := range a.devices {
			bullet := statusBulletDisconnected
			if d.connected {
				bullet = statusBulletConnected
			}
			a.table.SetCell(row, 0, tview.NewTableCell(bullet).SetSelectable(false))
			a.table.SetCell(row, 1, tview.NewTableCell(d.uid))
			a.table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", d.deviceIdentifier)))
			a.table.SetCell(row, 3, tview.NewTableCell(d.lastSeen.Format("15:04:05")))
			row++
		}
	})
}

func (a *App) appendLog(line string) {
	a.app.QueueUpdateDraw(func() {
		fmt.Fprintln(a.log, line)
	})
}

// FollowCallback switches the log panel to also stream callback frames
// (body bytes in hex) from one device/function id, replacing any
// previously followed stream.
func (a *App) FollowCallback(uidStr string, functionID uint8) error {
	a.mu.Lock()
	if a.followCancel != nil {
		a.followCancel()
	}
	a.mu.Unlock()

	dev, err := device.New(uidStr, a.conn)
	if err != nil {
		return err
	}
	stream := dev.CallbackStream(functionID)

	a.mu.Lock()
	a.followedUID = uidStr
	a.followCancel = stream.Close
	a.mu.Unlock()

	go func() {
		for {
			p, ok := stream.Next()
			if !ok {
				return
			}
			a.appendLog(fmt.Sprintf("[yellow]%s[-] %s/%d: % x", time.Now().Format("15:04:05"), uidStr, functionID, p.Body))
		}
	}()
	return nil
}
