// Copyright (C) 2026 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"sync"
	"time"
)

// codeCache holds the most recent pairing code per pending identity token
// so the HTTP surface can poll for it. Entries expire after a TTL; the
// upstream protocol rotates codes, so stale ones are useless anyway.
type codeCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]codeEntry
}

type codeEntry struct {
	code    string
	savedAt time.Time
}

func newCodeCache(ttl time.Duration) *codeCache {
	return &codeCache{ttl: ttl, entries: make(map[string]codeEntry)}
}

func (c *codeCache) put(token, code string) {
	c.mu.Lock()
	c.entries[token] = codeEntry{code: code, savedAt: time.Now()}
	c.mu.Unlock()
}

func (c *codeCache) get(token string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[token]
	if !ok {
		return "", false
	}
	if time.Since(entry.savedAt) > c.ttl {
		delete(c.entries, token)
		return "", false
	}
	return entry.code, true
}

func (c *codeCache) remove(token string) {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
}
