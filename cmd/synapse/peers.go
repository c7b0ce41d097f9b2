package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"synapse/pkg/types"
)

var (
	accentColor = lipgloss.Color("#50FA7B")
	dangerColor = lipgloss.Color("#FF5555")
	mutedColor  = lipgloss.Color("#6272A4")
	cyanColor   = lipgloss.Color("#8BE9FD")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	okStyle   = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	downStyle = lipgloss.NewStyle().Foreground(dangerColor)
	dimStyle  = lipgloss.NewStyle().Foreground(mutedColor)
)

var serverAddr string

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the peers this node knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := fetchPeers(serverAddr)
			if err != nil {
				return err
			}
			renderPeers(peers)
			return nil
		},
	}
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "http://localhost:8420", "node HTTP address")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node health and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			healthy := checkHealth(serverAddr)
			peers, err := fetchPeers(serverAddr)

			fmt.Println(titleStyle.Render("Synapse Node"))
			if healthy {
				fmt.Printf("  health: %s\n", okStyle.Render("ok"))
			} else {
				fmt.Printf("  health: %s\n", downStyle.Render("unreachable"))
			}
			if err != nil {
				fmt.Printf("  peers:  %s\n", dimStyle.Render("unavailable"))
				return nil
			}
			connected := 0
			for _, p := range peers {
				if p.Connected {
					connected++
				}
			}
			fmt.Printf("  peers:  %d known, %s connected\n", len(peers),
				okStyle.Render(fmt.Sprintf("%d", connected)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "http://localhost:8420", "node HTTP address")
	return cmd
}

func fetchPeers(addr string) ([]types.PeerInfo, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/peers")
	if err != nil {
		return nil, fmt.Errorf("contact node at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node returned %s", resp.Status)
	}
	var peers []types.PeerInfo
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, fmt.Errorf("decode peers: %w", err)
	}
	return peers, nil
}

func checkHealth(addr string) bool {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/healthz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func renderPeers(peers []types.PeerInfo) {
	if len(peers) == 0 {
		fmt.Println(dimStyle.Render("no peers known yet"))
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return rowStyle
		}).
		Headers("PEER", "ADDRESSES", "STATE")

	for _, p := range peers {
		state := downStyle.Render("known")
		if p.Connected {
			state = okStyle.Render("connected")
		}
		t.Row(truncate(string(p.ID), 16), strings.Join(p.Addresses, ", "), state)
	}
	fmt.Println(t.Render())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
