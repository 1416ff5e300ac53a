package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Sharded spreads keys over several independent servers. Each key always
// goes to the same server while the address set is unchanged. Like Client it
// is not safe for concurrent use.
type Sharded struct {
	ring    *hashRing
	clients map[string]*Client
}

// DialSharded connects to every address. Duplicate addresses are ignored.
func DialSharded(ctx context.Context, addrs []string, opts ...Option) (*Sharded, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no server addresses")
	}

	s := &Sharded{
		ring:    newHashRing(defaultVirtualNodes),
		clients: make(map[string]*Client, len(addrs)),
	}
	for _, addr := range addrs {
		if _, ok := s.clients[addr]; ok {
			continue
		}
		c, err := Dial(ctx, addr, opts...)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.clients[addr] = c
		s.ring.add(addr)
	}
	return s, nil
}

// Owner returns the address of the server that holds key.
func (s *Sharded) Owner(key string) string {
	addr, _ := s.ring.owner(key)
	return addr
}

// Addrs returns the connected addresses in sorted order.
func (s *Sharded) Addrs() []string {
	addrs := make([]string, 0, len(s.clients))
	for a := range s.clients {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}

// Shares reports the fraction of the key space routed to each address.
func (s *Sharded) Shares() map[string]float64 {
	return s.ring.share()
}

func (s *Sharded) client(key string) (*Client, error) {
	addr, ok := s.ring.owner(key)
	if !ok {
		return nil, errors.New("no servers")
	}
	return s.clients[addr], nil
}

// Set stores value under key on the owning server.
func (s *Sharded) Set(ctx context.Context, key, value string) error {
	c, err := s.client(key)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, value)
}

// Get reads key from the owning server.
func (s *Sharded) Get(ctx context.Context, key string) (string, bool, error) {
	c, err := s.client(key)
	if err != nil {
		return "", false, err
	}
	return c.Get(ctx, key)
}

// Remove deletes key on the owning server.
func (s *Sharded) Remove(ctx context.Context, key string) error {
	c, err := s.client(key)
	if err != nil {
		return err
	}
	return c.Remove(ctx, key)
}

// Close closes every connection.
func (s *Sharded) Close() error {
	var errs []error
	for addr, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}
