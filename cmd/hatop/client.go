package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-ha/pkg/election"
	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/lock"
)

// nodeStatus mirrors the /status document of hanode.
type nodeStatus struct {
	Cluster     string             `json:"cluster"`
	Node        string             `json:"node"`
	Local       group.Member       `json:"local"`
	Witness     string             `json:"witness"`
	Uptime      float64            `json:"uptime_seconds"`
	Health      *election.Snapshot `json:"health"`
	View        group.View         `json:"view"`
	Coordinator group.Member       `json:"coordinator"`
	Locks       lock.Stats         `json:"locks"`
}

// poll is the outcome of fetching one endpoint.
type poll struct {
	Endpoint string
	Status   *nodeStatus
	Err      error
	Latency  time.Duration
}

type client struct {
	http      *http.Client
	endpoints []string
}

func newClient(endpoints []string, timeout time.Duration) *client {
	normalized := make([]string, len(endpoints))
	for i, e := range endpoints {
		e = strings.TrimRight(e, "/")
		if !strings.Contains(e, "://") {
			e = "http://" + e
		}
		normalized[i] = e
	}
	return &client{
		http:      &http.Client{Timeout: timeout},
		endpoints: normalized,
	}
}

// pollAll fetches every endpoint concurrently. A failing node is reported in
// its poll and never hides the others.
func (c *client) pollAll(ctx context.Context) []poll {
	results := make([]poll, len(c.endpoints))

	g, ctx := errgroup.WithContext(ctx)
	for i, endpoint := range c.endpoints {
		g.Go(func() error {
			start := time.Now()
			status, err := c.status(ctx, endpoint)
			results[i] = poll{Endpoint: endpoint, Status: status, Err: err, Latency: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *client) status(ctx context.Context, endpoint string) (*nodeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var s nodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &s, nil
}

// elect asks the node behind endpoint to run a manual election.
func (c *client) elect(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/elect", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s", body.Error)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
