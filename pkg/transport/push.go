package transport

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/odb"
	"github.com/odvcencio/grit/pkg/pack"
	"github.com/odvcencio/grit/pkg/pktline"
	"github.com/odvcencio/grit/pkg/revwalk"
)

// PushCommand is one requested remote ref change. A zero New deletes; a
// zero Old creates.
type PushCommand struct {
	RefName string
	Old     gitid.ID
	New     gitid.ID
}

func (c *PushCommand) isDelete() bool { return c.New.IsZero() }

// wire formats the command the way the command list carries it.
func (c *PushCommand) wire() string {
	return c.Old.String() + " " + c.New.String() + " " + c.RefName
}

// PushOptions parameterizes a push session.
type PushOptions struct {
	Commands []PushCommand
	// Atomic requests all-or-nothing application on the server.
	Atomic bool
	// ThinPack sets the pack writer's thin mode. No out-of-pack bases are
	// supplied, so the pack holds no deltas against remote objects.
	ThinPack bool
	// Hook runs before any data is sent; a failure aborts the push.
	Hook *PrePushHook
	// RemoteName and RemoteURL are passed to the hook.
	RemoteName string
	RemoteURL  string
	Agent      string
}

// PushResult reports the per-ref outcome of a push.
type PushResult struct {
	// UnpackStatus is "ok" or the server's unpack error.
	UnpackStatus string
	// CommandStatus maps ref name to "" (ok) or the rejection reason.
	CommandStatus map[string]string
}

// OK reports whether everything was accepted.
func (r *PushResult) OK() bool {
	if r.UnpackStatus != "ok" {
		return false
	}
	for _, msg := range r.CommandStatus {
		if msg != "" {
			return false
		}
	}
	return true
}

// PushV0 runs the client side of a receive-pack session: advertise,
// command list, pack, report-status.
func PushV0(ctx context.Context, conn Conn, db *odb.Database, opts PushOptions) (*PushResult, error) {
	if len(opts.Commands) == 0 {
		return nil, fmt.Errorf("push: empty command list")
	}

	pr := pktline.NewReader(conn)
	advertised, serverCaps, err := ReadAdvertisementV0(pr)
	if err != nil {
		return nil, err
	}
	remoteHas := make(map[gitid.ID]bool, len(advertised))
	var remoteTips []gitid.ID
	for _, r := range advertised {
		remoteHas[r.ID] = true
		remoteTips = append(remoteTips, r.ID)
	}

	if opts.Hook != nil {
		var hookRefs []PrePushRef
		for _, cmd := range opts.Commands {
			hookRefs = append(hookRefs, PrePushRef{
				LocalRef:  cmd.RefName,
				LocalID:   cmd.New,
				RemoteRef: cmd.RefName,
				RemoteOld: cmd.Old,
			})
		}
		if err := opts.Hook.Run(opts.RemoteName, opts.RemoteURL, hookRefs); err != nil {
			return nil, err
		}
	}

	useCaps := CapabilityList{CapReportStatus: "", CapOfsDelta: ""}
	hasDelete := false
	hasUpdate := false
	for _, cmd := range opts.Commands {
		if cmd.isDelete() {
			hasDelete = true
		} else {
			hasUpdate = true
		}
	}
	if hasDelete {
		useCaps[CapDeleteRefs] = ""
	}
	if opts.Atomic {
		useCaps[CapAtomic] = ""
	}
	useCaps.Intersect(serverCaps)
	if opts.Atomic && !useCaps.Supports(CapAtomic) {
		return nil, fmt.Errorf("%w: server lacks %s", ErrProtocol, CapAtomic)
	}
	if hasDelete && !useCaps.Supports(CapDeleteRefs) {
		return nil, fmt.Errorf("%w: server lacks %s", ErrProtocol, CapDeleteRefs)
	}
	useCaps[CapAgent] = opts.Agent
	if useCaps[CapAgent] == "" {
		useCaps[CapAgent] = DefaultAgent
	}

	var buf []byte
	for i, cmd := range opts.Commands {
		line := cmd.wire()
		if i == 0 {
			line += "\x00" + useCaps.String()
		}
		buf = pktline.AppendString(buf, line+"\n")
	}
	buf = pktline.AppendFlush(buf)
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if hasUpdate {
		if err := writePushPack(ctx, conn, db, opts, remoteHas, remoteTips); err != nil {
			return nil, err
		}
	}
	if err := conn.CloseWrite(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	return readStatusReport(pr)
}

// writePushPack enumerates objects the remote lacks and streams the
// pack. Deltas are taken only against objects inside the pack; no
// out-of-pack bases are passed to the writer, even with ThinPack.
func writePushPack(ctx context.Context, conn Conn, db *odb.Database, opts PushOptions, remoteHas map[gitid.ID]bool, remoteTips []gitid.ID) error {
	var wants []gitid.ID
	for _, cmd := range opts.Commands {
		if !cmd.isDelete() {
			wants = append(wants, cmd.New)
		}
	}
	var haves []gitid.ID
	for id := range remoteHas {
		if db.HasObject(id) {
			haves = append(haves, id)
		}
	}

	items, err := revwalk.Closure(db, wants, haves)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	entries := make([]pack.ObjectEntry, 0, len(items))
	for _, item := range items {
		t, payload, err := db.Object(item.ID)
		if err != nil {
			return err
		}
		entries = append(entries, pack.ObjectEntry{
			ID:       item.ID,
			Type:     t,
			Payload:  payload,
			PathHint: item.Path,
		})
	}

	wopts := pack.WriterOptions{Thin: opts.ThinPack}
	_, err = pack.NewWriter(wopts).Write(conn, entries, nil)
	return err
}

// readStatusReport parses the report-status response.
func readStatusReport(pr *pktline.Reader) (*PushResult, error) {
	if !pr.Next() {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, pr.Err())
	}
	line, err := pr.Text()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	rest, ok := bytes.CutPrefix(line, []byte("unpack "))
	if !ok {
		return nil, fmt.Errorf("%w: status report missing unpack line", ErrProtocol)
	}
	result := &PushResult{
		UnpackStatus:  string(rest),
		CommandStatus: make(map[string]string),
	}

	for pr.Next() && pr.Type() != pktline.Flush {
		line, err := pr.Text()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		switch {
		case bytes.HasPrefix(line, []byte("ok ")):
			result.CommandStatus[string(line[len("ok "):])] = ""
		case bytes.HasPrefix(line, []byte("ng ")):
			refAndMsg := string(line[len("ng "):])
			ref, msg, ok := strings.Cut(refAndMsg, " ")
			if !ok {
				return nil, fmt.Errorf("%w: ng line without reason", ErrProtocol)
			}
			result.CommandStatus[ref] = msg
		default:
			return nil, fmt.Errorf("%w: unknown status line %q", ErrProtocol, line)
		}
	}
	if err := pr.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return result, nil
}
