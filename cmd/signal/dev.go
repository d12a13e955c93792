package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/banshee-data/intersection.control/internal/transport"
)

// loadFixtures reads one observation JSON object per line. Blank lines and
// lines starting with '#' are skipped.
func loadFixtures(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures file: %w", err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var obs map[string]any
		if err := json.Unmarshal(line, &obs); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		if id, _ := obs["intersection_id"].(string); id == "" {
			return nil, fmt.Errorf("%s:%d: intersection_id missing", path, n)
		}
		out = append(out, obs)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no fixtures", path)
	}
	return out, nil
}

// replayFixtures publishes the fixtures in a loop, one every interval, each
// restamped with the current time, until ctx is done.
func replayFixtures(ctx context.Context, pub transport.Publisher, base, path string, interval time.Duration) error {
	fixtures, err := loadFixtures(path)
	if err != nil {
		return err
	}
	log.WithField("count", len(fixtures)).Infof("replaying fixtures from %s", path)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i = (i + 1) % len(fixtures) {
		if err := publishFixture(ctx, pub, base, fixtures[i], time.Now()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func publishFixture(ctx context.Context, pub transport.Publisher, base string, obs map[string]any, now time.Time) error {
	obs["timestamp"] = float64(now.UnixNano()) / 1e9
	payload, err := json.Marshal(obs)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, base, obs["intersection_id"].(string), payload)
}
