// Package client is a minimal TCP client for the wire protocol.
//
// A Client owns one connection and serializes calls on it, mirroring
// the server's sequential per-connection processing. Concurrent use is
// safe; calls queue on an internal mutex. After a transport error the
// connection is unusable and the client must be closed.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mnemo-db/mnemo/model"
	"github.com/mnemo-db/mnemo/wire"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client: closed")

// Error is a failure reported by the server.
type Error struct {
	Code    wire.ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("client: server error (%s): %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a server-side not-found failure.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == wire.CodeNotFound
}

// Options configures the client.
type Options struct {
	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration
}

// DefaultOptions holds the default client configuration.
var DefaultOptions = Options{
	DialTimeout: 5 * time.Second,
}

// Client is a connection to a server.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	br     *bufio.Reader
	closed bool
	// broken records the first transport failure; later calls fail fast.
	broken error
}

// Dial connects to a server at addr.
func Dial(addr string, optFns ...func(o *Options)) (*Client, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	conn, err := net.DialTimeout("tcp", addr, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	return &Client{
		conn: conn,
		br:   bufio.NewReader(conn),
	}, nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.conn.Close()
}

// roundTrip sends one request and reads its response under the lock.
// The context cancels the exchange by expiring the connection deadline.
func (c *Client) roundTrip(ctx context.Context, req wire.Request) (wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.broken != nil {
		return nil, fmt.Errorf("client: connection broken: %w", c.broken)
	}

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	}

	if err := wire.WriteRequest(c.conn, req); err != nil {
		c.broken = err
		return nil, fmt.Errorf("client: write request: %w", err)
	}

	resp, err := wire.ReadResponse(c.br)
	if err != nil {
		c.broken = err
		return nil, fmt.Errorf("client: read response: %w", err)
	}

	c.conn.SetDeadline(time.Time{})

	if errResp, ok := resp.(*wire.ErrorResponse); ok {
		return nil, &Error{Code: errResp.Code, Message: errResp.Message}
	}
	return resp, nil
}

// Learn stores content with an optional vector and returns the concept
// id. A nil vector lets the server fill one in when it has a source.
func (c *Client) Learn(ctx context.Context, content []byte, vector []float32, meta map[string]string) (model.ConceptID, error) {
	resp, err := c.roundTrip(ctx, &wire.LearnRequest{Content: content, Vector: vector, Metadata: meta})
	if err != nil {
		return 0, err
	}
	learned, ok := resp.(*wire.LearnResponse)
	if !ok {
		return 0, unexpectedResponse(resp)
	}
	return learned.ID, nil
}

// AddEdge creates or updates a directed association.
func (c *Client) AddEdge(ctx context.Context, source, target model.ConceptID, relation model.RelationKind, weight float64) error {
	resp, err := c.roundTrip(ctx, &wire.AddEdgeRequest{Source: source, Target: target, Relation: relation, Weight: weight})
	if err != nil {
		return err
	}
	if _, ok := resp.(*wire.AddEdgeResponse); !ok {
		return unexpectedResponse(resp)
	}
	return nil
}

// Search returns the k nearest concepts to the query vector.
func (c *Client) Search(ctx context.Context, query []float32, k, efSearch int) ([]model.SearchResult, error) {
	resp, err := c.roundTrip(ctx, &wire.VectorSearchRequest{Query: query, K: uint32(k), EFSearch: uint32(efSearch)})
	if err != nil {
		return nil, err
	}
	found, ok := resp.(*wire.VectorSearchResponse)
	if !ok {
		return nil, unexpectedResponse(resp)
	}
	return found.Results, nil
}

// Stats returns the server's counters.
func (c *Client) Stats(ctx context.Context) (model.Stats, error) {
	resp, err := c.roundTrip(ctx, &wire.GetStatsRequest{})
	if err != nil {
		return model.Stats{}, err
	}
	stats, ok := resp.(*wire.GetStatsResponse)
	if !ok {
		return model.Stats{}, unexpectedResponse(resp)
	}
	return stats.Stats, nil
}

// Flush forces pending writes through and waits for durability.
func (c *Client) Flush(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, &wire.FlushRequest{})
	if err != nil {
		return err
	}
	if _, ok := resp.(*wire.FlushResponse); !ok {
		return unexpectedResponse(resp)
	}
	return nil
}

// Health probes the server. A degraded server answers with a
// durability error.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, &wire.HealthRequest{})
	if err != nil {
		return err
	}
	if _, ok := resp.(*wire.HealthResponse); !ok {
		return unexpectedResponse(resp)
	}
	return nil
}

// GetConcept fetches one concept by id.
func (c *Client) GetConcept(ctx context.Context, id model.ConceptID) (*model.Concept, error) {
	resp, err := c.roundTrip(ctx, &wire.GetConceptRequest{ID: id})
	if err != nil {
		return nil, err
	}
	found, ok := resp.(*wire.GetConceptResponse)
	if !ok {
		return nil, unexpectedResponse(resp)
	}
	concept := found.Concept
	return &concept, nil
}

// DeleteConcept removes a concept and its edges.
func (c *Client) DeleteConcept(ctx context.Context, id model.ConceptID) error {
	resp, err := c.roundTrip(ctx, &wire.DeleteConceptRequest{ID: id})
	if err != nil {
		return err
	}
	if _, ok := resp.(*wire.DeleteConceptResponse); !ok {
		return unexpectedResponse(resp)
	}
	return nil
}

// Reinforce adjusts a concept's strength by delta.
func (c *Client) Reinforce(ctx context.Context, id model.ConceptID, delta float64) error {
	resp, err := c.roundTrip(ctx, &wire.ReinforceRequest{ID: id, Delta: delta})
	if err != nil {
		return err
	}
	if _, ok := resp.(*wire.ReinforceResponse); !ok {
		return unexpectedResponse(resp)
	}
	return nil
}

func unexpectedResponse(resp wire.Response) error {
	return fmt.Errorf("client: unexpected response type %T", resp)
}
