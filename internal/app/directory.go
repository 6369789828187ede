package app

import "sync"

// contactDirectory resolves user ids to labels from the config's contacts
// map. Replace swaps the whole map, so a config reload takes effect for
// the next lookup.
type contactDirectory struct {
	mu       sync.RWMutex
	contacts map[string]string
}

func newContactDirectory(contacts map[string]string) *contactDirectory {
	d := &contactDirectory{}
	d.Replace(contacts)
	return d
}

func (d *contactDirectory) Label(userID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contacts[userID]
}

func (d *contactDirectory) Replace(contacts map[string]string) {
	m := make(map[string]string, len(contacts))
	for id, label := range contacts {
		m[id] = label
	}
	d.mu.Lock()
	d.contacts = m
	d.mu.Unlock()
}
