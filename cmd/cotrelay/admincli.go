package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/c360/cotrelay/admin"
	"github.com/c360/cotrelay/config"
	"github.com/c360/cotrelay/health"
	"github.com/c360/cotrelay/session"
)

const adminRequestTimeout = 5 * time.Second

// adminClient talks to a running relay's admin surface.
type adminClient struct {
	base string
	http *http.Client
}

// newAdminClient targets url, or the admin address from cfg when url is
// empty. A wildcard bind address is reached over loopback.
func newAdminClient(url string, cfg *config.Config) (*adminClient, error) {
	if url == "" {
		addr := cfg.AdminAddr()
		if addr == "" {
			return nil, fmt.Errorf("admin surface is disabled (admin.port is 0); pass --admin-url")
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("admin address %q: %w", addr, err)
		}
		switch host {
		case "", "0.0.0.0", "::":
			host = "127.0.0.1"
		}
		url = "http://" + net.JoinHostPort(host, port)
	}
	return &adminClient{
		base: strings.TrimSuffix(url, "/"),
		http: &http.Client{Timeout: adminRequestTimeout},
	}, nil
}

// do sends the request and decodes a JSON body into out. Non-2xx responses
// are still decoded when they carry JSON; the status code is returned.
func (c *adminClient) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return resp.StatusCode, fmt.Errorf("%s %s: unexpected response %s", method, path, resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

func runStatus(ctx context.Context, c *adminClient, w io.Writer) error {
	var st health.Status
	if _, err := c.do(ctx, http.MethodGet, "/health", &st); err != nil {
		return err
	}
	var clients []session.Info
	if code, err := c.do(ctx, http.MethodGet, "/clients", &clients); err != nil {
		return err
	} else if code != http.StatusOK {
		return fmt.Errorf("list clients: status %d", code)
	}
	var entries []admin.PresenceEntry
	if code, err := c.do(ctx, http.MethodGet, "/presence", &entries); err != nil {
		return err
	} else if code != http.StatusOK {
		return fmt.Errorf("list presence: status %d", code)
	}

	printStatus(w, st, clients, entries, time.Now())

	if st.IsUnhealthy() {
		return fmt.Errorf("relay %s is unhealthy", st.Component)
	}
	return nil
}

func printStatus(w io.Writer, st health.Status, clients []session.Info, entries []admin.PresenceEntry, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	uptime := ""
	if st.Metrics != nil {
		uptime = st.Metrics.Uptime.String()
	}
	_, _ = fmt.Fprintf(tw, "Relay:\t%s\t%s\tup %s\n", st.Component, st.Status, uptime)
	for _, sub := range st.SubStatuses {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\n", sub.Component, sub.Status, sub.Message)
	}

	_, _ = fmt.Fprintf(tw, "\nClients (%d):\n", len(clients))
	if len(clients) > 0 {
		_, _ = fmt.Fprintln(tw, "  UID\tCALLSIGN\tREMOTE\tCN\tIN\tOUT\tCONNECTED")
	}
	for _, ci := range clients {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			orDash(ci.UID), orDash(ci.Callsign), ci.RemoteAddr, orDash(ci.PeerCN),
			ci.EventsIn, ci.EventsOut, now.Sub(ci.ConnectedAt).Round(time.Second))
	}

	_, _ = fmt.Fprintf(tw, "\nPresence (%d):\n", len(entries))
	if len(entries) > 0 {
		_, _ = fmt.Fprintln(tw, "  UID\tCALLSIGN\tTYPE\tSTALE IN")
	}
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
			e.UID, orDash(e.Callsign), e.Type, e.Stale.Sub(now).Round(time.Second))
	}
	_ = tw.Flush()
}

func runPurge(ctx context.Context, c *adminClient, w io.Writer) error {
	var out struct {
		Purged int    `json:"purged"`
		Error  string `json:"error"`
	}
	code, err := c.do(ctx, http.MethodDelete, "/presence", &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("purge presence: status %d: %s", code, out.Error)
	}
	_, _ = fmt.Fprintf(w, "Purged %d presence entries\n", out.Purged)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
