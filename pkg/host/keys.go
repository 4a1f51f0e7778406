/*
Copyright 2025 The Photark Authors.

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

package host

import (
	"sync"

	"github.com/google/uuid"
)

// KeyGuard issues one api key per running extension and checks the keys
// inbound socket frames present. Issuing a new key invalidates the old
// one, so a process from a superseded install cannot authenticate.
type KeyGuard struct {
	mu   sync.Mutex
	keys map[string]string
}

// NewKeyGuard returns a guard with no keys issued.
func NewKeyGuard() *KeyGuard {
	return &KeyGuard{keys: map[string]string{}}
}

// Issue mints a fresh key for the extension, replacing any prior one.
func (g *KeyGuard) Issue(extensionID string) string {
	key := uuid.NewString()
	g.mu.Lock()
	g.keys[extensionID] = key
	g.mu.Unlock()
	return key
}

// Revoke forgets the extension's key. Frames presenting it fail from now
// on. Revoking an unknown extension is a no-op.
func (g *KeyGuard) Revoke(extensionID string) {
	g.mu.Lock()
	delete(g.keys, extensionID)
	g.mu.Unlock()
}

// CheckKey reports whether the key is the extension's current one.
func (g *KeyGuard) CheckKey(extensionID, key string) bool {
	if key == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.keys[extensionID] == key
}
