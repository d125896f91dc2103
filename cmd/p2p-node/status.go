package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/node"
	"github.com/postalsys/p2p-node/internal/protocols/ping"
)

const defaultHealthAddress = "127.0.0.1:8080"

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true)
	headStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true).Padding(0, 1)
	cellStyle  = lipgloss.NewStyle().Padding(0, 1)
)

// statusResponse mirrors the /healthz body.
type statusResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	node.Stats
}

func statusCmd() *cobra.Command {
	var address string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Query the health endpoint of a running node and display its status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st statusResponse
			raw, err := fetchJSON(address, "/healthz", &st)
			if err != nil {
				return err
			}
			if asJSON {
				_, err := os.Stdout.Write(raw)
				return err
			}
			printStatus(os.Stdout, st, isTerminal())
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", defaultHealthAddress, "Health endpoint address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")

	return cmd
}

func peersCmd() *cobra.Command {
	var address string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List known peers",
		Long:  "Query the health endpoint of a running node and display its peer table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var peers []node.PeerInfo
			raw, err := fetchJSON(address, "/peers", &peers)
			if err != nil {
				return err
			}
			if asJSON {
				_, err := os.Stdout.Write(raw)
				return err
			}
			printPeers(os.Stdout, peers, time.Now(), isTerminal())
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", defaultHealthAddress, "Health endpoint address")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")

	return cmd
}

func pingCmd() *cobra.Command {
	var address string
	var size, count int

	cmd := &cobra.Command{
		Use:   "ping <peer-id>",
		Short: "Ping a connected peer",
		Long:  "Ask a running node to ping one of its connected peers over the ping protocol.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.ParsePeerID(args[0])
			if err != nil {
				return fmt.Errorf("invalid peer ID: %w", err)
			}

			path := fmt.Sprintf("/peers/%s/ping?size=%d", id, size)
			for i := 0; i < count; i++ {
				if i > 0 {
					time.Sleep(time.Second)
				}
				var res ping.Result
				if _, err := fetchJSON(address, path, &res); err != nil {
					return err
				}
				fmt.Printf("%s from %s: seq=%d time=%s\n",
					humanize.IBytes(uint64(res.Bytes)), res.PeerID.ShortString(), i+1, res.RTT.Round(time.Microsecond))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", defaultHealthAddress, "Health endpoint address")
	cmd.Flags().IntVarP(&size, "size", "s", 56, "Payload size in bytes")
	cmd.Flags().IntVarP(&count, "count", "c", 1, "Number of pings")

	return cmd
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// fetchJSON GETs path from the health server and decodes the body into v.
// A 503 from /healthz still carries a body worth decoding.
func fetchJSON(address, path string, v any) ([]byte, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(address, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("failed to reach node (is the health endpoint enabled?): %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return raw, nil
}

func printStatus(w io.Writer, st statusResponse, styled bool) {
	label := func(s string) string {
		s = fmt.Sprintf("%-16s", s)
		if styled {
			return labelStyle.Render(s)
		}
		return s
	}

	status := st.Status
	if styled {
		if st.Running {
			status = okStyle.Render(status)
		} else {
			status = badStyle.Render(status)
		}
	}
	fmt.Fprintf(w, "%s%s\n", label("Status:"), status)
	if !st.Running {
		return
	}

	maxPeers := "unlimited"
	if st.MaxPeers > 0 {
		maxPeers = humanize.Comma(int64(st.MaxPeers))
	}

	fmt.Fprintf(w, "%s%s\n", label("Peer ID:"), st.ID)
	fmt.Fprintf(w, "%s%s\n", label("Listening:"), st.ListenAddress)
	fmt.Fprintf(w, "%s%s\n", label("Uptime:"), st.Uptime.Round(time.Second))
	fmt.Fprintf(w, "%s%d connected / %d known (max %s)\n", label("Peers:"), st.ConnectedPeers, st.KnownPeers, maxPeers)
	fmt.Fprintf(w, "%s%d\n", label("Sessions:"), st.Sessions)
	paused := ""
	if st.ReconnectsPaused {
		paused = " (paused at capacity)"
	}
	fmt.Fprintf(w, "%s%d dialing, %d handshaking, %d reconnecting%s\n",
		label("Pending:"), st.PendingDials, st.Handshakes, st.Reconnecting, paused)

	tags := make([]int, 0, len(st.Protocols))
	for tag := range st.Protocols {
		tags = append(tags, int(tag))
	}
	sort.Ints(tags)
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, fmt.Sprintf("%s(%d)", st.Protocols[uint16(tag)], tag))
	}
	fmt.Fprintf(w, "%s%s\n", label("Protocols:"), strings.Join(names, ", "))
}

var peerHeaders = []string{"PEER", "STATE", "DIRECTION", "ADDRESS", "SINCE", "STREAMS", "RTT", "IN", "OUT"}

func peerRows(peers []node.PeerInfo, now time.Time) [][]string {
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		since := "-"
		if !p.ConnectedAt.IsZero() {
			since = humanize.RelTime(p.ConnectedAt, now, "ago", "from now")
		}
		rtt := "-"
		if p.RTT > 0 {
			rtt = p.RTT.Round(time.Microsecond).String()
		}
		rows = append(rows, []string{
			p.ID.ShortString(),
			p.State.String(),
			p.Direction,
			p.Address,
			since,
			fmt.Sprint(p.Streams),
			rtt,
			humanize.IBytes(p.BytesIn),
			humanize.IBytes(p.BytesOut),
		})
	}
	return rows
}

func printPeers(w io.Writer, peers []node.PeerInfo, now time.Time, styled bool) {
	if len(peers) == 0 {
		fmt.Fprintln(w, "No peers.")
		return
	}

	rows := peerRows(peers, now)
	if styled {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(labelStyle).
			Headers(peerHeaders...).
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headStyle
				}
				return cellStyle
			})
		fmt.Fprintln(w, t)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(peerHeaders, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	tw.Flush()
}
