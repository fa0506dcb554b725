// Package dashboard implements the operator terminal dashboard: a
// gizak/termui/v3 widget set that polls a running instance's /stats and
// /stats/distributed endpoints and redraws on a fixed tick, giving the
// teacher's termui/termbox-go dependency chain a home in this fabric.
package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

type hubStats struct {
	InstanceID       string `json:"instance_id"`
	ConnectedLocally int    `json:"connected_locally"`
}

type distributedStats struct {
	TotalConnected  int            `json:"total_connected"`
	ByInstance      map[string]int `json:"by_instance"`
	PendingUsers    int            `json:"pending_users"`
	DeadLetterDepth int            `json:"dead_letter_depth"`
}

// Run starts the dashboard, blocking until the operator quits with q or
// Ctrl-C. addr is the base URL of one fabric instance's HTTP surface.
func Run(addr string) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("dashboard: termui init: %w", err)
	}
	defer ui.Close()

	header := widgets.NewParagraph()
	header.Title = "notification fabric"
	header.Text = "polling " + addr
	header.SetRect(0, 0, 60, 3)

	local := widgets.NewParagraph()
	local.Title = "this instance"
	local.SetRect(0, 3, 30, 8)

	cluster := widgets.NewParagraph()
	cluster.Title = "cluster"
	cluster.SetRect(30, 3, 60, 8)

	instances := widgets.NewBarChart()
	instances.Title = "connected by instance"
	instances.SetRect(0, 8, 60, 18)

	render := func() {
		ui.Render(header, local, cluster, instances)
	}

	client := &http.Client{Timeout: 3 * time.Second}
	poll := func() {
		if hs, err := fetchHub(client, addr); err == nil {
			local.Text = fmt.Sprintf("instance: %s\nlocal sessions: %d", hs.InstanceID, hs.ConnectedLocally)
		} else {
			local.Text = "unreachable: " + err.Error()
		}

		if ds, err := fetchDistributed(client, addr); err == nil {
			cluster.Text = fmt.Sprintf("total connected: %d\npending users: %d\ndead-lettered: %d",
				ds.TotalConnected, ds.PendingUsers, ds.DeadLetterDepth)

			labels := make([]string, 0, len(ds.ByInstance))
			values := make([]float64, 0, len(ds.ByInstance))
			for id, count := range ds.ByInstance {
				labels = append(labels, id)
				values = append(values, float64(count))
			}
			instances.Labels = labels
			instances.Data = values
		} else {
			cluster.Text = "unreachable: " + err.Error()
		}
	}

	poll()
	render()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	events := ui.PollEvents()
	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case <-ticker.C:
			poll()
			render()
		}
	}
}

func fetchHub(client *http.Client, addr string) (hubStats, error) {
	var hs hubStats
	if err := getJSON(client, addr+"/stats", &hs); err != nil {
		return hubStats{}, err
	}
	return hs, nil
}

func fetchDistributed(client *http.Client, addr string) (distributedStats, error) {
	var ds distributedStats
	if err := getJSON(client, addr+"/stats/distributed", &ds); err != nil {
		return distributedStats{}, err
	}
	return ds, nil
}

func getJSON(client *http.Client, url string, dest any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
