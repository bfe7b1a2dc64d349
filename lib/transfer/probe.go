/*
Copyright 2024 Nexus Terminal Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transfer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/Silentely/nexus-terminal-sub001/lib/sshdialer"
)

// toolSet records which transfer-relevant binaries are present on a host.
type toolSet struct {
	sshpass bool
	rsync   bool
	scp     bool
}

type probeEntry struct {
	tools     toolSet
	expiresAt time.Time
}

// probeCache memoizes per-connection tool-presence probes for
// ProbeCacheTTL, evicted by a background ticker rather than kept
// indefinitely (spec.md §9 Open Question).
type probeCache struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]probeEntry
}

func newProbeCache(now func() time.Time) *probeCache {
	return &probeCache{now: now, entries: make(map[string]probeEntry)}
}

func (c *probeCache) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *probeCache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *probeCache) lookup(key string) (toolSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		return toolSet{}, false
	}
	return entry.tools, true
}

func (c *probeCache) store(key string, tools toolSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = probeEntry{tools: tools, expiresAt: c.now().Add(ProbeCacheTTL)}
}

// sourceTools probes for {sshpass, rsync, scp} on the source host, the set
// named in spec.md §4.E step 2.
func (c *probeCache) sourceTools(ctx context.Context, sess *sshdialer.Session, connectionID string) (toolSet, error) {
	if tools, ok := c.lookup("src:" + connectionID); ok {
		return tools, nil
	}
	present, err := probeBinaries(ctx, sess, "sshpass", "rsync", "scp")
	if err != nil {
		return toolSet{}, trace.Wrap(err)
	}
	tools := toolSet{sshpass: present["sshpass"], rsync: present["rsync"], scp: present["scp"]}
	c.store("src:"+connectionID, tools)
	return tools, nil
}

// targetRsync probes for rsync presence on the target host, needed only
// when method resolution might pick rsync (spec.md §4.E step 2).
func (c *probeCache) targetRsync(ctx context.Context, sess *sshdialer.Session, connectionID string) (bool, error) {
	if tools, ok := c.lookup("tgt:" + connectionID); ok {
		return tools.rsync, nil
	}
	present, err := probeBinaries(ctx, sess, "rsync")
	if err != nil {
		return false, trace.Wrap(err)
	}
	tools := toolSet{rsync: present["rsync"]}
	c.store("tgt:"+connectionID, tools)
	return tools.rsync, nil
}

// probeBinaries runs a single `command -v` sweep over names and returns
// which ones resolved, avoiding one round trip per tool.
func probeBinaries(ctx context.Context, sess *sshdialer.Session, names ...string) (map[string]bool, error) {
	var sh strings.Builder
	for _, name := range names {
		sh.WriteString("command -v ")
		sh.WriteString(name)
		sh.WriteString(" >/dev/null 2>&1 && echo ")
		sh.WriteString(name)
		sh.WriteString("; ")
	}

	result, err := sess.Exec(ctx, sh.String(), sshdialer.ExecOptions{})
	if err != nil {
		return nil, trace.Wrap(err, "probing tool presence")
	}

	present := make(map[string]bool, len(names))
	for _, line := range strings.Split(string(result.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			present[line] = true
		}
	}
	return present, nil
}
