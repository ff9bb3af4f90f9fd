// Package journal persists chat records in pebble so a session can be
// rebuilt after a restart.
//
// Key layout:
//
//	u/<userID>                      user
//	c/<conversationID>              conversation header and read marker
//	m/<conversationID>/<position>   message, position zero-padded
package journal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

const (
	userPrefix    = "u/"
	convPrefix    = "c/"
	messagePrefix = "m/"
)

type Options struct {
	Path string
	// InMemory keeps everything in an in-memory filesystem; Path is ignored.
	InMemory bool
	// Sync waits for every write to reach disk.
	Sync bool
}

// Journal implements chat.Recorder on top of pebble.
type Journal struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

func Open(opts Options) (*Journal, error) {
	popts := &pebble.Options{}
	path := opts.Path
	if opts.InMemory {
		popts.FS = vfs.NewMem()
		if path == "" {
			path = "journal"
		}
	} else if path == "" {
		return nil, errors.New("journal path is empty")
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening journal at %q", opts.Path)
	}
	j := &Journal{db: db, writeOpts: pebble.NoSync}
	if opts.Sync {
		j.writeOpts = pebble.Sync
	}
	jww.INFO.Printf("[Journal] opened %q (in-memory: %t)", opts.Path, opts.InMemory)
	return j, nil
}

func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return errors.Wrap(err, "closing journal")
	}
	jww.INFO.Printf("[Journal] closed")
	return nil
}

func userKey(id string) []byte { return []byte(userPrefix + id) }

func convKey(id string) []byte { return []byte(convPrefix + id) }

func messageKey(convID string, pos uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", messagePrefix, convID, pos))
}

func (j *Journal) put(key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	return errors.Wrapf(j.db.Set(key, b, j.writeOpts), "writing %s", key)
}

func (j *Journal) RecordUser(u chat.User) error {
	return j.put(userKey(u.ID), u)
}

func (j *Journal) RecordConversation(c chat.ConversationState) error {
	return j.put(convKey(c.ID), c)
}

// RecordMessage writes m under its log position, replacing earlier states of
// the same entry.
func (j *Journal) RecordMessage(m chat.Message) error {
	return j.put(messageKey(m.ConversationID, m.Position()), m)
}

func (j *Journal) RecordReadMarker(conversationID string, sequence uint64) error {
	key := convKey(conversationID)
	raw, closer, err := j.db.Get(key)
	if err != nil {
		return errors.Wrapf(err, "reading %s", key)
	}
	var st chat.ConversationState
	err = json.Unmarshal(raw, &st)
	closer.Close()
	if err != nil {
		return errors.Wrapf(err, "decoding %s", key)
	}
	if sequence <= st.LastRead {
		return nil
	}
	st.LastRead = sequence
	return j.put(key, st)
}

// Load reads every record back in the shape Session.Restore expects.
func (j *Journal) Load() (chat.State, error) {
	var st chat.State

	err := j.scan(userPrefix, func(_ string, raw []byte) error {
		var u chat.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return err
		}
		st.Users = append(st.Users, u)
		return nil
	})
	if err != nil {
		return chat.State{}, err
	}
	sort.SliceStable(st.Users, func(a, b int) bool {
		ua, ub := st.Users[a], st.Users[b]
		if !ua.CreatedAt.Equal(ub.CreatedAt) {
			return ua.CreatedAt.Before(ub.CreatedAt)
		}
		return ua.ID < ub.ID
	})

	err = j.scan(convPrefix, func(_ string, raw []byte) error {
		var rec chat.ConversationRecord
		if err := json.Unmarshal(raw, &rec.ConversationState); err != nil {
			return err
		}
		st.Conversations = append(st.Conversations, rec)
		return nil
	})
	if err != nil {
		return chat.State{}, err
	}

	for i := range st.Conversations {
		rec := &st.Conversations[i]
		err := j.scan(messagePrefix+rec.ID+"/", func(_ string, raw []byte) error {
			var m chat.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			rec.Messages = append(rec.Messages, m)
			return nil
		})
		if err != nil {
			return chat.State{}, err
		}
	}
	jww.INFO.Printf("[Journal] loaded %d users and %d conversations", len(st.Users), len(st.Conversations))
	return st, nil
}

// scan visits every key with the given prefix in key order.
func (j *Journal) scan(prefix string, fn func(key string, value []byte) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return errors.Wrapf(err, "iterating %s", prefix)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if !strings.HasPrefix(key, prefix) {
			break
		}
		if err := fn(key, iter.Value()); err != nil {
			return errors.Wrapf(err, "decoding %s", key)
		}
	}
	return errors.Wrapf(iter.Error(), "iterating %s", prefix)
}

// prefixEnd returns the first key after every key starting with prefix.
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

// Compact rewrites the whole key space, dropping superseded message states.
func (j *Journal) Compact() error {
	if err := j.db.Compact([]byte(convPrefix), prefixEnd(userPrefix), true); err != nil {
		return errors.Wrap(err, "compacting journal")
	}
	jww.INFO.Printf("[Journal] compaction finished")
	return nil
}
