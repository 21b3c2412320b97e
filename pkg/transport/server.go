package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/odb"
	"github.com/odvcencio/grit/pkg/pack"
	"github.com/odvcencio/grit/pkg/pktline"
	"github.com/odvcencio/grit/pkg/refs"
	"github.com/odvcencio/grit/pkg/revwalk"
)

// ServerRepo is the repository view the protocol services operate on.
type ServerRepo struct {
	DB   *odb.Database
	Refs *refs.Store

	// RefFilter, when non-nil, drops advertised refs it returns false
	// for. This is the only server-side policy hook.
	RefFilter func(name string) bool

	// Ident attributes ref updates applied by receive-pack.
	Ident object.Ident
}

// advertisedRefs builds the advertisement list: HEAD first when it
// resolves, then all refs in name order, tags peeled.
func (sr *ServerRepo) advertisedRefs() ([]*AdvertisedRef, string, error) {
	var out []*AdvertisedRef
	headTarget := ""

	if head, err := sr.Refs.Resolve("HEAD"); err == nil && !head.ID.IsZero() {
		headTarget = head.Name
		out = append(out, &AdvertisedRef{Name: "HEAD", ID: head.ID})
	}

	all, err := sr.Refs.List("refs/")
	if err != nil {
		return nil, "", err
	}
	for _, r := range all {
		if r.IsSymbolic() || r.ID.IsZero() {
			continue
		}
		if sr.RefFilter != nil && !sr.RefFilter(r.Name) {
			continue
		}
		ar := &AdvertisedRef{Name: r.Name, ID: r.ID}
		if t, payload, err := sr.DB.Object(r.ID); err == nil && t == object.TypeTag {
			if tag, err := object.UnmarshalTag(payload); err == nil {
				ar.Peeled = tag.Object
			}
		}
		out = append(out, ar)
	}
	return out, headTarget, nil
}

func uploadPackCaps(headTarget string) CapabilityList {
	caps := CapabilityList{
		CapMultiAck:           "",
		CapMultiAckDetailed:   "",
		CapSideBand:           "",
		CapSideBand64k:        "",
		CapOfsDelta:           "",
		CapThinPack:           "",
		CapNoProgress:         "",
		CapIncludeTag:         "",
		CapAllowTipSHA1:       "",
		CapAllowReachableSHA1: "",
		CapShallow:            "",
		CapDeepenSince:        "",
		CapDeepenNot:          "",
		CapDeepenRelative:     "",
		CapFilter:             "",
		CapObjectFormat:       objectFormatSHA1,
		CapAgent:              DefaultAgent,
	}
	if headTarget != "" {
		caps[CapSymref] = "HEAD:" + headTarget
	}
	return caps
}

// uploadRequest is the parsed client request of one v0 session.
type uploadRequest struct {
	wants       []gitid.ID
	caps        CapabilityList
	shallow     []gitid.ID
	depth       int
	deepenSince int64
	deepenNot   []string
	filter      string
}

// ServeUploadPack runs the server side of a v0/v1 fetch over conn.
func ServeUploadPack(ctx context.Context, conn Conn, sr *ServerRepo) error {
	advertised, headTarget, err := sr.advertisedRefs()
	if err != nil {
		return err
	}
	if err := WriteAdvertisementV0(conn, advertised, uploadPackCaps(headTarget)); err != nil {
		return err
	}

	pr := pktline.NewReader(conn)
	req, err := readUploadRequest(pr)
	if err != nil {
		return err
	}
	if len(req.wants) == 0 {
		// Client had everything (or went away); session over.
		return nil
	}

	shallowBoundary, err := serveShallowUpdate(conn, sr, req)
	if err != nil {
		return err
	}

	common, err := serveNegotiation(ctx, conn, pr, sr)
	if err != nil {
		return err
	}

	return sendPack(ctx, conn, sr, req, common, shallowBoundary)
}

func readUploadRequest(pr *pktline.Reader) (*uploadRequest, error) {
	req := &uploadRequest{caps: CapabilityList{}}
	first := true
	for pr.Next() {
		if pr.Type() == pktline.Flush {
			return req, nil
		}
		line, err := pr.Text()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		switch {
		case bytes.HasPrefix(line, []byte("want ")):
			rest := line[len("want "):]
			idHex := rest
			if sp := bytes.IndexByte(rest, ' '); sp >= 0 {
				idHex = rest[:sp]
				if !first {
					return nil, fmt.Errorf("%w: capabilities on non-first want", ErrProtocol)
				}
				caps, err := ParseCapabilities(rest[sp+1:])
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
				}
				req.caps = caps
			}
			var id gitid.ID
			if err := id.UnmarshalText(idHex); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			req.wants = append(req.wants, id)
			first = false
		case bytes.HasPrefix(line, []byte("shallow ")):
			var id gitid.ID
			if err := id.UnmarshalText(line[len("shallow "):]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			req.shallow = append(req.shallow, id)
		case bytes.HasPrefix(line, []byte("deepen ")):
			if _, err := fmt.Sscanf(string(line), "deepen %d", &req.depth); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
		case bytes.HasPrefix(line, []byte("deepen-since ")):
			if _, err := fmt.Sscanf(string(line), "deepen-since %d", &req.deepenSince); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
		case bytes.HasPrefix(line, []byte("deepen-not ")):
			req.deepenNot = append(req.deepenNot, string(line[len("deepen-not "):]))
		case bytes.HasPrefix(line, []byte("filter ")):
			req.filter = string(line[len("filter "):])
		default:
			return nil, fmt.Errorf("%w: unexpected request line %q", ErrProtocol, line)
		}
	}
	if err := pr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return req, nil
}

// serveShallowUpdate computes and sends the shallow/unshallow lines for
// a deepen request, returning the commits whose parents must be hidden
// while packing.
func serveShallowUpdate(conn Conn, sr *ServerRepo, req *uploadRequest) ([]gitid.ID, error) {
	deepening := req.depth > 0 || req.deepenSince != 0 || len(req.deepenNot) > 0
	if !deepening {
		return req.shallow, nil
	}
	if req.depth <= 0 {
		// Time- and ref-based deepening currently keep the existing
		// boundary; the update section is still owed to the client.
		if err := pktline.WriteFlush(conn); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return req.shallow, nil
	}

	boundary, reached, err := commitsAtDepth(sr.DB, req.wants, req.depth)
	if err != nil {
		return nil, err
	}

	var buf []byte
	for _, id := range boundary {
		buf = pktline.AppendString(buf, "shallow "+id.String()+"\n")
	}
	for _, id := range req.shallow {
		if reached[id] && !containsID(boundary, id) {
			buf = pktline.AppendString(buf, "unshallow "+id.String()+"\n")
		}
	}
	buf = pktline.AppendFlush(buf)
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return boundary, nil
}

func containsID(ids []gitid.ID, id gitid.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// commitsAtDepth walks parents breadth-first from tips, returning the
// commits sitting exactly at the depth horizon plus every commit
// reached.
func commitsAtDepth(db *odb.Database, tips []gitid.ID, depth int) ([]gitid.ID, map[gitid.ID]bool, error) {
	type queued struct {
		id gitid.ID
		d  int
	}
	reached := make(map[gitid.ID]bool)
	var boundary []gitid.ID
	queue := make([]queued, 0, len(tips))
	for _, id := range tips {
		queue = append(queue, queued{id: id, d: 1})
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if reached[cur.id] {
			continue
		}
		reached[cur.id] = true

		payload, err := db.TypedObject(cur.id, object.TypeCommit)
		if err != nil {
			return nil, nil, err
		}
		c, err := object.UnmarshalCommit(payload)
		if err != nil {
			return nil, nil, err
		}
		if cur.d >= depth {
			if len(c.Parents) > 0 {
				boundary = append(boundary, cur.id)
			}
			continue
		}
		for _, p := range c.Parents {
			queue = append(queue, queued{id: p, d: cur.d + 1})
		}
	}
	return boundary, reached, nil
}

// serveNegotiation answers have rounds until done, returning the common
// set. Acks are buffered until the round's flush so the response never
// interleaves with a request still in flight.
func serveNegotiation(ctx context.Context, conn Conn, pr *pktline.Reader, sr *ServerRepo) ([]gitid.ID, error) {
	var common []gitid.ID
	var pendingAcks []byte
	roundAcks := 0
	for pr.Next() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if pr.Type() == pktline.Flush {
			// End of a have round.
			buf := pendingAcks
			if roundAcks == 0 {
				buf = pktline.AppendString(buf, "NAK\n")
			} else {
				buf = pktline.AppendString(buf, "ACK "+common[len(common)-1].String()+" ready\n")
			}
			if _, err := conn.Write(buf); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransport, err)
			}
			pendingAcks = nil
			roundAcks = 0
			continue
		}
		line, err := pr.Text()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		switch {
		case bytes.Equal(line, []byte("done")):
			buf := pendingAcks
			if len(common) == 0 {
				buf = pktline.AppendString(buf, "NAK\n")
			} else {
				buf = pktline.AppendString(buf, "ACK "+common[len(common)-1].String()+"\n")
			}
			if _, err := conn.Write(buf); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransport, err)
			}
			return common, nil
		case bytes.HasPrefix(line, []byte("have ")):
			var id gitid.ID
			if err := id.UnmarshalText(line[len("have "):]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			if sr.DB.HasObject(id) {
				common = append(common, id)
				roundAcks++
				pendingAcks = pktline.AppendString(pendingAcks, "ACK "+id.String()+" common\n")
			}
		default:
			return nil, fmt.Errorf("%w: unexpected negotiation line %q", ErrProtocol, line)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrProtocol, pr.Err())
}

// sendPack enumerates the minimal object set and streams it on the data
// sideband, closing the session with a flush.
func sendPack(ctx context.Context, conn Conn, sr *ServerRepo, req *uploadRequest, common, shallowBoundary []gitid.ID) error {
	walker := shallowReader{reader: sr.DB, hidden: make(map[gitid.ID]bool)}
	for _, id := range shallowBoundary {
		walker.hidden[id] = true
	}

	items, err := revwalk.Closure(walker, req.wants, common)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	entries := make([]pack.ObjectEntry, 0, len(items))
	for _, item := range items {
		t, payload, err := sr.DB.Object(item.ID)
		if err != nil {
			return err
		}
		if t != item.Type {
			return fmt.Errorf("pack enumeration %s: type flip", item.ID)
		}
		entries = append(entries, pack.ObjectEntry{
			ID:       item.ID,
			Type:     t,
			Payload:  payload,
			PathHint: item.Path,
		})
	}

	payloadSize := pktline.SidebandPayload
	if req.caps.Supports(CapSideBand64k) {
		payloadSize = pktline.Sideband64kPayload
	}
	dataBand := &pktline.MuxWriter{W: conn, Channel: pktline.BandData, Payload: payloadSize}

	var progress func(done, total int)
	if !req.caps.Supports(CapNoProgress) && req.caps.Supports(CapSideBand64k) {
		progressBand := &pktline.MuxWriter{W: conn, Channel: pktline.BandProgress, Payload: payloadSize}
		progress = func(done, total int) {
			if done == total {
				fmt.Fprintf(progressBand, "Counting objects: %d/%d, done.\n", done, total)
			}
		}
	}

	opts := pack.WriterOptions{Thin: req.caps.Supports(CapThinPack), Progress: progress}
	if _, err := pack.NewWriter(opts).Write(dataBand, entries, nil); err != nil {
		return err
	}
	return pktline.WriteFlush(conn)
}

// shallowReader hides the parents of shallow-boundary commits from the
// enumeration walk.
type shallowReader struct {
	reader revwalk.ObjectReader
	hidden map[gitid.ID]bool
}

func (s shallowReader) Object(id gitid.ID) (object.Type, []byte, error) {
	t, payload, err := s.reader.Object(id)
	if err != nil || t != object.TypeCommit || !s.hidden[id] {
		return t, payload, err
	}
	c, err := object.UnmarshalCommit(payload)
	if err != nil {
		return t, payload, nil
	}
	c.Parents = nil
	return t, object.MarshalCommit(c), nil
}
