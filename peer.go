package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tablesync/pkg/document"
	"tablesync/pkg/mesh"
	"tablesync/pkg/session"
	"tablesync/pkg/webrtc/channel"
	"tablesync/pkg/webrtc/ice"
	"tablesync/pkg/webrtc/pairing"
	"tablesync/pkg/webrtc/protocol"
	"tablesync/pkg/webrtc/signaling"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host a table: print an offer token and wait for the guest's answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPairwise(cmd, true)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a hosted table by pasting its offer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPairwise(cmd, false)
	},
}

var meshCmd = &cobra.Command{
	Use:   "mesh",
	Short: "Join a room through the broker and connect to every peer in it",
	RunE:  runMesh,
}

// peer is the local table: a session plus the resources behind it.
type peer struct {
	id        string
	sess      *session.Session
	persister *document.Persister
}

func openPeer(id string) (*peer, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("a room id is required (--room or ROOM_ID)")
	}
	if id == "" {
		id = cfg.PeerID
	}
	if id == "" {
		id = uuid.NewString()
	}
	p := &peer{id: id}

	if cfg.DataDir != "" {
		persister, err := document.OpenPersister(cfg.DataDir, nil)
		if err != nil {
			return nil, err
		}
		p.persister = persister
	}
	sess, err := session.New(session.Options{
		RoomID:            cfg.RoomID,
		LocalID:           id,
		DisplayName:       cfg.DisplayName,
		Persister:         p.persister,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		p.close()
		return nil, err
	}
	p.sess = sess
	return p, nil
}

func (p *peer) close() {
	if p.sess != nil {
		p.sess.Close()
	}
	if p.persister != nil {
		if err := p.persister.Close(); err != nil {
			log.Warn().Err(err).Msg("close persister")
		}
	}
}

func runPairwise(cmd *cobra.Command, hosting bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPeer("")
	if err != nil {
		return err
	}
	defer p.close()
	go p.sess.Run(ctx)

	_, servers := ice.Servers(cfg.ICE, nil)
	states := make(chan pairing.State, 16)
	est := pairing.NewEstablisher(pairing.Options{
		RoomID:        cfg.RoomID,
		LocalID:       p.id,
		ICEServers:    servers,
		GatherTimeout: cfg.GatherTimeout,
		OnChannel: func(ch *channel.Channel, role pairing.Role) {
			p.sess.Attach(ch, role == pairing.RoleHost)
		},
		OnStateChange: func(s pairing.State) {
			select {
			case states <- s:
			default:
			}
		},
	})
	defer est.Reset()

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	if hosting {
		offer, err := est.CreateOffer(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Offer token for room %s (send it to the guest):\n\n%s\n\nPaste the answer token: ", cfg.RoomID, offer)
		answer, err := readToken(in)
		if err != nil {
			return err
		}
		if err := est.SubmitAnswer(ctx, answer); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Paste the offer token for room %s: ", cfg.RoomID)
		offer, err := readToken(in)
		if err != nil {
			return err
		}
		answer, err := est.AcceptOffer(ctx, offer)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nAnswer token (send it back to the host):\n\n%s\n\n", answer)
	}

	fmt.Fprintln(out, "Connecting...")
	if err := waitOnline(ctx, states); err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s. Type help for commands.\n", est.State().RemoteID)

	return newConsole(p.sess, in, out).Run(ctx)
}

func readToken(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func waitOnline(ctx context.Context, states <-chan pairing.State) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-states:
			switch s.Status {
			case pairing.StatusOnline:
				return nil
			case pairing.StatusError, pairing.StatusOffline:
				return fmt.Errorf("connection %s: %s", s.Status, s.Err)
			}
		}
	}
}

func runMesh(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := cfg.PeerID
	if id == "" {
		id = uuid.NewString()
	}
	opts := signaling.ClientOptions{
		URL:           cfg.BrokerURL,
		Room:          cfg.RoomID,
		PeerID:        id,
		DisplayName:   cfg.DisplayName,
		GatherTimeout: cfg.GatherTimeout,
	}
	// Explicit ICE settings win over what the broker advertises.
	if cmd.Flags().Changed("ice-mode") || cmd.Flags().Changed("stun") {
		_, opts.ICEServers = ice.Servers(cfg.ICE, nil)
	}
	client, err := signaling.Dial(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	p, err := openPeer(client.ID())
	if err != nil {
		return err
	}
	defer p.close()
	go p.sess.Run(ctx)

	reg := mesh.NewRegistry(mesh.Options{LocalID: p.id, Dialer: client})
	defer reg.Close()
	reg.OnChannel(func(ch *channel.Channel, dir mesh.Direction) {
		// The accepting side bootstraps the dialer.
		p.sess.Attach(ch, dir == mesh.Inbound)
	})
	client.OnInbound(reg.Accept)
	client.OnState(func(msg protocol.StateMessage) {
		switch msg.Type {
		case protocol.TypePeerLeft:
			p.sess.Presence().Prune(reg.Peers())
		}
	})

	for _, remote := range client.Peers() {
		if err := reg.Connect(ctx, remote); err != nil {
			log.Warn().Err(err).Str("peer", remote).Msg("dial peer")
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Joined room %s as %s with %d peer(s) present. Type help for commands.\n",
		cfg.RoomID, p.id, len(client.Peers()))

	go func() {
		select {
		case <-client.Done():
			log.Warn().Msg("broker connection closed; existing peers stay connected")
		case <-ctx.Done():
		}
	}()
	return newConsole(p.sess, bufio.NewReader(cmd.InOrStdin()), out).Run(ctx)
}
