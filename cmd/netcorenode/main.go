// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	netcore "github.com/xtaci/bdls-net"
	"github.com/xtaci/bdls-net/network"
	"github.com/xtaci/bdls-net/wire"
)

// chanEventSink is a netcore.EventSink backed by a buffered channel; a
// full channel drops the event rather than blocking a connection task,
// since a slow event consumer must never stall the network.
type chanEventSink chan interface{}

func (s chanEventSink) Publish(event interface{}) {
	select {
	case s <- event:
	default:
		log.Println("netcorenode: event dropped, consumer too slow")
	}
}

// registry tracks live, established connections so the peers table and
// the ping broadcaster can enumerate them.
type registry struct {
	mu      sync.Mutex
	handles map[netcore.NodeId]*network.ConnectionHandle
}

func newRegistry() *registry {
	return &registry{handles: make(map[netcore.NodeId]*network.ConnectionHandle)}
}

func (r *registry) add(id netcore.NodeId, h *network.ConnectionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = h
}

func (r *registry) remove(id netcore.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

func (r *registry) snapshot() map[netcore.NodeId]*network.ConnectionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[netcore.NodeId]*network.ConnectionHandle, len(r.handles))
	for k, v := range r.handles {
		out[k] = v
	}
	return out
}

func main() {
	app := &cli.App{
		Name:                 "netcorenode",
		Usage:                "run a standalone node of the peer-to-peer networking substrate",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			gencertCommand,
			runCommand,
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var gencertCommand = &cli.Command{
	Name:  "gencert",
	Usage: "generate a self-signed identity certificate and private key",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "cert", Value: "./node.crt", Usage: "output certificate path"},
		&cli.StringFlag{Name: "key", Value: "./node.key", Usage: "output private key path"},
		&cli.StringFlag{Name: "cn", Value: "netcorenode", Usage: "certificate common name"},
	},
	Action: func(c *cli.Context) error {
		cert, err := netcore.GenerateSelfSigned(c.String("cn"), 10*365*24*time.Hour)
		if err != nil {
			return err
		}
		if err := netcore.SaveTlsCert(cert, c.String("cert"), c.String("key")); err != nil {
			return err
		}
		id, err := cert.Fingerprint()
		if err != nil {
			return err
		}
		log.Println("wrote", c.String("cert"), "and", c.String("key"))
		log.Println("node id:", id)
		return nil
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start the node, accepting and dialing peer connections",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "cert", Value: "./node.crt"},
		&cli.StringFlag{Name: "key", Value: "./node.key"},
		&cli.StringFlag{Name: "listen", Value: ":4680", Usage: "local listen address"},
		&cli.StringFlag{Name: "public-addr", Usage: "address advertised to peers (defaults to -listen)"},
		&cli.StringFlag{Name: "chain", Value: "netcore-devnet", Usage: "chain/network name exchanged at handshake"},
		&cli.StringSliceFlag{Name: "peer", Usage: "address of a peer to dial (repeatable)"},
		&cli.DurationFlag{Name: "handshake-timeout", Value: 5 * time.Second},
		&cli.Float64Flag{Name: "tarpit-chance", Value: 0},
		&cli.IntFlag{Name: "max-demands", Value: 0, Usage: "max in-flight demand/response exchanges per connection, 0 = unlimited"},
		&cli.DurationFlag{Name: "ping-interval", Value: 10 * time.Second},
	},
	Action: runNode,
}

func runNode(c *cli.Context) error {
	cert, err := netcore.LoadTlsCert(c.String("cert"), c.String("key"))
	if err != nil {
		return fmt.Errorf("loading identity (run 'netcorenode gencert' first): %w", err)
	}

	publicAddr := c.String("public-addr")
	if publicAddr == "" {
		publicAddr = c.String("listen")
	}
	if _, _, err := net.SplitHostPort(publicAddr); err != nil {
		return fmt.Errorf("public-addr must be host:port: %w", err)
	}

	events := make(chanEventSink, 256)
	cfg := netcore.Config{
		Cert:               cert,
		Chain:              netcore.ChainInfo{NetworkName: c.String("chain"), OurVersion: netcore.ProtocolVersion{Major: 1}, MinimumVersion: netcore.ProtocolVersion{Major: 1}},
		PublicAddr:         publicAddr,
		HandshakeTimeout:   c.Duration("handshake-timeout"),
		Weights:            netcore.WeightTable{},
		Tarpit:             netcore.TarpitPolicy{Chance: c.Float64("tarpit-chance"), Duration: 30 * time.Second},
		MaxInFlightDemands: uint32(c.Int("max-demands")),
		Events:             events,
	}
	nc, err := netcore.NewContext(cfg)
	if err != nil {
		return err
	}
	log.Println("node id:", nc.OurID)
	log.Println("max message frame size:", bytefmt.ByteSize(uint64(wire.DefaultMessageFrameMax)))

	ln, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return err
	}
	log.Println("listening on", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := newRegistry()
	srv := &network.Server{Listener: ln, Context: nc, Decode: decodePing, Events: events}
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Println("acceptor stopped:", err)
		}
	}()

	for _, addr := range c.StringSlice("peer") {
		go dialWithRetry(ctx, nc, addr, reg)
	}

	go consumeEvents(ctx, events, reg)
	go printPeersPeriodically(ctx, reg)
	go broadcastPings(ctx, reg, c.Duration("ping-interval"))

	<-ctx.Done()
	return nil
}

// dialWithRetry keeps trying addr until the connection is established,
// backing off the same way the acceptor does, then registers the handle.
func dialWithRetry(ctx context.Context, nc *netcore.Context, addr string, reg *registry) {
	backoff := 10 * time.Millisecond
	for {
		outcome := network.ConnectOutgoing(ctx, nc, addr, decodePing, nil)
		switch outcome.Kind {
		case network.Established:
			log.Println("connected to", addr, "id", outcome.PeerID)
			reg.add(outcome.PeerID, outcome.Handle)
			return
		case network.Loopback:
			log.Println(addr, "is ourselves, not connecting")
			return
		default:
			log.Println("dial", addr, "failed:", outcome.Err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Second {
			backoff = time.Second
		}
	}
}

func consumeEvents(ctx context.Context, events chanEventSink, reg *registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			switch e := event.(type) {
			case network.IncomingConnectionEvent:
				if e.Outcome.Kind == network.Established {
					log.Println("accepted connection from", e.Outcome.Addr, "id", e.Outcome.PeerID)
					reg.add(e.Outcome.PeerID, e.Outcome.Handle)
				} else {
					log.Println("incoming connection from", e.Outcome.Addr, "failed:", e.Outcome.Err)
				}
			default:
				log.Println("event:", event)
			}
		}
	}
}

func broadcastPings(ctx context.Context, reg *registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := &netcore.Message{Payload: &pingPayload{SentAt: time.Now().Unix(), Text: "hello"}}
			for id, h := range reg.snapshot() {
				if err := h.Queue.Push(netcore.MessageQueueItem{Message: msg}); err != nil {
					log.Println("ping to", id, "dropped:", err)
					reg.remove(id)
				}
			}
		}
	}
}

func printPeersPeriodically(ctx context.Context, reg *registry) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printPeers(reg)
		}
	}
}

func printPeers(reg *registry) {
	snapshot := reg.snapshot()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Node ID", "Queued"})
	for id, h := range snapshot {
		table.Append([]string{id.String(), fmt.Sprint(h.Queue.Len())})
	}
	table.Render()
}
