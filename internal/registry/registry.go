// Package registry holds the process-wide chat state: which usernames exist,
// the credential bound to each, and the mailbox of messages waiting for it.
package registry

import (
	"cmp"
	"slices"
	"sync"
)

// Message is one pending delivery.
type Message struct {
	Sender string
	Text   string
}

// Delivery reports a mailbox that received a message and its new size.
type Delivery struct {
	Username string
	Pending  int
}

// entry keeps a user's credential and mailbox together so one can never
// exist without the other.
type entry struct {
	credential Credential
	mailbox    []Message

	// removed counts messages ever taken off the front of mailbox, so
	// mailbox[i] is message number removed+i.
	removed uint64
}

// Options tune a Registry.
type Options struct {
	// MailboxLimit caps each mailbox; the oldest message is dropped on
	// overflow. Zero or less means unbounded.
	MailboxLimit int

	// NewCredential overrides credential generation.
	NewCredential CredentialGenerator

	// OnDrop is called, outside the registry lock, when overflow discards a
	// message.
	OnDrop func(username string, dropped Message)
}

// Registry maps usernames to credentials and mailboxes. All methods are
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	locksMu sync.Mutex
	locks   map[string]*userLock

	mailboxLimit  int
	newCredential CredentialGenerator
	onDrop        func(string, Message)
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	gen := opts.NewCredential
	if gen == nil {
		gen = NewCredential
	}
	return &Registry{
		entries:       make(map[string]*entry),
		locks:         make(map[string]*userLock),
		mailboxLimit:  opts.MailboxLimit,
		newCredential: gen,
		onDrop:        opts.OnDrop,
	}
}

// AuthResult is the outcome of CheckOrRegister.
type AuthResult struct {
	// OK is true when the caller may act as the username.
	OK bool

	// Credential is the credential now bound to the username. It is empty
	// when OK is false.
	Credential Credential

	// Registered is true when this call created the username.
	Registered bool
}

// CheckOrRegister authenticates username with presented. An unknown username
// is registered with a fresh credential and counts as authenticated. For a
// known username the presented credential must match the stored one.
func (r *Registry) CheckOrRegister(username string, presented Credential) (AuthResult, error) {
	r.mu.RLock()
	e, exists := r.entries[username]
	var stored Credential
	if exists {
		stored = e.credential
	}
	r.mu.RUnlock()

	if exists {
		return checkStored(stored, presented), nil
	}

	// Generate outside the lock, then re-check: a concurrent caller may have
	// registered the name meanwhile, in which case its credential wins.
	fresh, err := r.newCredential()
	if err != nil {
		return AuthResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, exists := r.entries[username]; exists {
		return checkStored(e.credential, presented), nil
	}
	r.entries[username] = &entry{credential: fresh, mailbox: []Message{}}
	return AuthResult{OK: true, Credential: fresh, Registered: true}, nil
}

func checkStored(stored, presented Credential) AuthResult {
	if stored.Matches(presented) {
		return AuthResult{OK: true, Credential: stored}
	}
	return AuthResult{}
}

// Verify reports whether presented is the credential bound to username. It
// never registers.
func (r *Registry) Verify(username string, presented Credential) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[username]
	return ok && e.credential.Matches(presented)
}

// Exists reports whether username is registered.
func (r *Registry) Exists(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[username]
	return ok
}

// AppendMessage queues text from sender for target. Unknown targets are
// ignored. It returns the new mailbox size and whether target existed.
func (r *Registry) AppendMessage(target, sender, text string) (int, bool) {
	var drops []droppedMessage

	r.mu.Lock()
	e, ok := r.entries[target]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	d := r.deliverLocked(target, e, Message{Sender: sender, Text: text}, &drops)
	r.mu.Unlock()

	r.reportDrops(drops)
	return d.Pending, true
}

// Broadcast queues text from sender for every other known user. The sender
// never receives its own message.
func (r *Registry) Broadcast(sender, text string) []Delivery {
	var drops []droppedMessage
	msg := Message{Sender: sender, Text: text}

	r.mu.Lock()
	deliveries := make([]Delivery, 0, len(r.entries))
	for username, e := range r.entries {
		if username == sender {
			continue
		}
		deliveries = append(deliveries, r.deliverLocked(username, e, msg, &drops))
	}
	r.mu.Unlock()

	r.reportDrops(drops)
	slices.SortFunc(deliveries, func(a, b Delivery) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return deliveries
}

type droppedMessage struct {
	username string
	msg      Message
}

// deliverLocked appends msg to one mailbox, enforcing the mailbox limit.
// Overflow victims are collected in drops for reporting after unlock.
func (r *Registry) deliverLocked(username string, e *entry, msg Message, drops *[]droppedMessage) Delivery {
	e.mailbox = append(e.mailbox, msg)
	if r.mailboxLimit > 0 && len(e.mailbox) > r.mailboxLimit {
		*drops = append(*drops, droppedMessage{username: username, msg: e.mailbox[0]})
		e.mailbox = slices.Delete(e.mailbox, 0, 1)
		e.removed++
	}
	return Delivery{Username: username, Pending: len(e.mailbox)}
}

func (r *Registry) reportDrops(drops []droppedMessage) {
	if r.onDrop == nil {
		return
	}
	for _, d := range drops {
		r.onDrop(d.username, d.msg)
	}
}

// DrainMessages returns the mailbox of username and empties it in one step.
// Messages appended afterwards land in the next drain. Unknown usernames
// yield an empty, non-nil slice.
func (r *Registry) DrainMessages(username string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[username]
	if !ok || len(e.mailbox) == 0 {
		return []Message{}
	}
	out := e.mailbox
	e.mailbox = []Message{}
	e.removed += uint64(len(out))
	return out
}

// PeekMessages returns a copy of username's mailbox without emptying it,
// together with a commit func that removes exactly those messages. Call
// commit once the messages have reached the client. Messages appended or
// dropped in between are accounted for, and a commit for a username that
// was removed and registered again does nothing. Unknown usernames yield an
// empty, non-nil slice.
func (r *Registry) PeekMessages(username string) ([]Message, func()) {
	r.mu.RLock()
	e, ok := r.entries[username]
	if !ok || len(e.mailbox) == 0 {
		r.mu.RUnlock()
		return []Message{}, func() {}
	}
	out := slices.Clone(e.mailbox)
	upTo := e.removed + uint64(len(e.mailbox))
	r.mu.RUnlock()

	return out, func() { r.trim(username, e, upTo) }
}

// trim removes the messages of e numbered below upTo.
func (r *Registry) trim(username string, e *entry, upTo uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[username] != e || upTo <= e.removed {
		return
	}
	n := min(upTo-e.removed, uint64(len(e.mailbox)))
	e.mailbox = slices.Clone(e.mailbox[n:])
	e.removed += n
}

// Pending returns the number of queued messages for username.
func (r *Registry) Pending(username string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[username]; ok {
		return len(e.mailbox)
	}
	return 0
}

// Remove deletes username together with its mailbox. It reports whether the
// username existed.
func (r *Registry) Remove(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[username]; !ok {
		return false
	}
	delete(r.entries, username)
	return true
}

// ListUsernames returns a sorted snapshot of the known usernames.
func (r *Registry) ListUsernames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for username := range r.entries {
		names = append(names, username)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
