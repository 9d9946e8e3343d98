package sync

import (
	"encoding/json"

	"go.powersync.dev/core/hostdb"
	"go.powersync.dev/core/protocol"
	"go.powersync.dev/core/schema"
	"go.powersync.dev/core/storage"
)

// Client drives sync sessions on one host connection. It is either idle or
// running a single iteration; starting a new session implicitly tears down
// the previous one.
type Client struct {
	db        *hostdb.DB
	state     *storage.DatabaseState
	iteration *iteration
}

// NewClient returns an idle Client.
func NewClient(db *hostdb.DB, state *storage.DatabaseState) *Client {
	return &Client{db: db, state: state}
}

// StartOptions is the payload of the start command.
type StartOptions struct {
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	Schema          *schema.Schema  `json:"schema,omitempty"`
	ActiveStreams   []string        `json:"active_streams,omitempty"`
	IncludeDefaults *bool           `json:"include_defaults,omitempty"`
}

func (o *StartOptions) includeDefaults() bool {
	return o.IncludeDefaults == nil || *o.IncludeDefaults
}

// Control is the single entry point of the state machine: one command plus
// payload in, a list of instructions out. It must be invoked inside a host
// write transaction.
func (c *Client) Control(op string, payload []byte) ([]protocol.Instruction, error) {
	switch op {
	case "start":
		var options StartOptions
		if len(payload) != 0 {
			if err := json.Unmarshal(payload, &options); err != nil {
				return nil, protocol.ConfigErrorf("invalid start payload: %v", err)
			}
		}
		return c.start(options)

	case "stop":
		return c.tearDown()

	case "line_text":
		var line, err = protocol.ParseLine(payload)
		if err != nil {
			return nil, err
		}
		return c.pushLine(line)

	case "line_binary":
		var line, err = protocol.ParseBinaryLine(payload)
		if err != nil {
			return nil, err
		}
		return c.pushLine(line)

	case "refreshed_token":
		// The host fetched a new token; close so it starts a new iteration
		// with the fresh credentials.
		if c.iteration == nil {
			return nil, nil
		}
		return c.closeIteration(protocol.CloseSyncStream{HideDisconnect: true})

	case "completed_upload":
		var it, err = c.activeIteration()
		if err != nil {
			return nil, err
		}
		var out []protocol.Instruction
		if err = it.completedUpload(&out); err != nil {
			return nil, err
		}
		return out, nil

	case "subscriptions":
		return c.changeSubscriptions(payload)

	case "update_subscriptions":
		return c.updateActiveStreams(payload)

	case "connection":
		switch string(payload) {
		case "established":
			var it, err = c.activeIteration()
			if err != nil {
				return nil, err
			}
			var out []protocol.Instruction
			it.status.update(&out, func(s *statusState) { s.markConnected() })
			return out, nil
		case "end":
			if c.iteration == nil {
				return nil, nil
			}
			return c.closeIteration(protocol.CloseSyncStream{})
		default:
			return nil, protocol.ConfigErrorf("unknown connection state %q", payload)
		}

	default:
		return nil, protocol.ConfigErrorf("unknown operation %q", op)
	}
}

// HasIteration reports whether a sync iteration is currently active.
func (c *Client) HasIteration() bool { return c.iteration != nil }

func (c *Client) activeIteration() (*iteration, error) {
	if c.iteration == nil {
		return nil, protocol.ProtocolErrorf("no sync iteration is active")
	}
	return c.iteration, nil
}

func (c *Client) start(options StartOptions) ([]protocol.Instruction, error) {
	var out, err = c.tearDown()
	if err != nil {
		return nil, err
	}

	var it = newIteration(c.db, c.state, options)
	if err = it.initialize(&out); err != nil {
		return nil, err
	}
	c.iteration = it
	return out, nil
}

func (c *Client) tearDown() ([]protocol.Instruction, error) {
	if c.iteration == nil {
		return nil, nil
	}
	return c.closeIteration(protocol.CloseSyncStream{})
}

func (c *Client) closeIteration(closed protocol.CloseSyncStream) ([]protocol.Instruction, error) {
	var out []protocol.Instruction
	c.iteration.status.update(&out, func(s *statusState) { s.disconnect() })
	out = append(out, protocol.Instruction{CloseSyncStream: &closed})
	c.iteration = nil
	return out, nil
}

func (c *Client) pushLine(line *protocol.SyncLine) ([]protocol.Instruction, error) {
	var it, err = c.activeIteration()
	if err != nil {
		return nil, err
	}

	var out []protocol.Instruction
	it.status.updateOnly(func(s *statusState) { s.markConnected() })

	closed, err := it.handleLine(line, &out)
	if err != nil {
		// BUSY keeps the iteration so the host can retry the command in a
		// fresh transaction; other errors tear it down and the host restarts
		// the session.
		if protocol.KindOf(err) != protocol.KindBusy {
			c.iteration = nil
		}
		return nil, err
	}
	if closed != nil {
		it.status.update(&out, func(s *statusState) { s.disconnect() })
		out = append(out, protocol.Instruction{CloseSyncStream: closed})
		c.iteration = nil
		return out, nil
	}

	it.status.emitChanges(&out)
	return out, nil
}

// subscriptionChange is the payload of the subscriptions command.
type subscriptionChange struct {
	Subscribe *struct {
		Stream   string                   `json:"stream"`
		Params   json.RawMessage          `json:"params,omitempty"`
		TTL      *int64                   `json:"ttl,omitempty"`
		Priority *protocol.BucketPriority `json:"priority,omitempty"`
	} `json:"subscribe,omitempty"`
	Unsubscribe *struct {
		Stream    string          `json:"stream"`
		Params    json.RawMessage `json:"params,omitempty"`
		Immediate bool            `json:"immediate,omitempty"`
	} `json:"unsubscribe,omitempty"`
}

func (c *Client) changeSubscriptions(payload []byte) ([]protocol.Instruction, error) {
	var change subscriptionChange
	if err := json.Unmarshal(payload, &change); err != nil {
		return nil, protocol.ConfigErrorf("invalid subscriptions payload: %v", err)
	}

	switch {
	case change.Subscribe != nil:
		var s = change.Subscribe
		if s.Stream == "" {
			return nil, protocol.ConfigErrorf("subscribe without a stream name")
		}
		if err := storage.Subscribe(c.db, s.Stream, s.Params, s.TTL, s.Priority); err != nil {
			return nil, err
		}
	case change.Unsubscribe != nil:
		var u = change.Unsubscribe
		if err := storage.Unsubscribe(c.db, u.Stream, u.Params, u.Immediate); err != nil {
			return nil, err
		}
	default:
		return nil, protocol.ConfigErrorf("subscriptions payload needs subscribe or unsubscribe")
	}

	return c.closeIfRequestChanged()
}

func (c *Client) updateActiveStreams(payload []byte) ([]protocol.Instruction, error) {
	var active []string
	if err := json.Unmarshal(payload, &active); err != nil {
		return nil, protocol.ConfigErrorf("invalid update_subscriptions payload: %v", err)
	}
	if err := storage.ExtendSubscriptionTTLs(c.db, active); err != nil {
		return nil, err
	}

	if c.iteration != nil {
		c.iteration.options.ActiveStreams = active
	}
	return c.closeIfRequestChanged()
}

// closeIfRequestChanged reconnects (with a hidden disconnect) when the
// stored subscriptions no longer produce the stream request of the running
// iteration.
func (c *Client) closeIfRequestChanged() ([]protocol.Instruction, error) {
	if c.iteration == nil {
		return nil, nil
	}
	var request, _, err = storage.CollectSubscriptionRequests(c.db, c.iteration.options.includeDefaults())
	if err != nil {
		return nil, err
	}
	if request.Equal(&c.iteration.target.requested.request) {
		return nil, nil
	}
	return c.closeIteration(protocol.CloseSyncStream{HideDisconnect: true})
}
