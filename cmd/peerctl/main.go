// Command peerctl joins a rendezvous server as a peer and drives a
// connection manager from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/services"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/wstransport"
	"github.com/carabina/PeerConnectivity/pkg/config"
	"github.com/carabina/PeerConnectivity/pkg/dispatch"
	"github.com/carabina/PeerConnectivity/pkg/logger"
	"github.com/carabina/PeerConnectivity/pkg/retry"
	"github.com/carabina/PeerConnectivity/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, peerID, name, serviceType, connectionType, rendezvousURL, token string
	var acceptFrom []string

	flagSet := pflag.NewFlagSet("peerctl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML config file")
	flagSet.StringVar(&peerID, "id", "", "peer ID (default: config peer.id, else a random UUID)")
	flagSet.StringVarP(&name, "name", "n", "", "display name (default: config peer.display_name)")
	flagSet.StringVarP(&serviceType, "service", "s", "", "service type to discover and advertise")
	flagSet.StringVarP(&connectionType, "mode", "m", "", "connection type: automatic, invite_only or custom")
	flagSet.StringVarP(&rendezvousURL, "url", "u", "", "rendezvous WebSocket URL")
	flagSet.StringVar(&token, "token", "", "join token")
	flagSet.StringSliceVar(&acceptFrom, "accept-from", nil, "automatic mode only accepts invitations from these peer IDs")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	override(&cfg.Peer.ID, peerID)
	override(&cfg.Peer.DisplayName, name)
	override(&cfg.Connectivity.ServiceType, serviceType)
	override(&cfg.Connectivity.ConnectionType, connectionType)
	override(&cfg.Rendezvous.URL, rendezvousURL)
	override(&cfg.Rendezvous.Token, token)

	if cfg.Peer.ID == "" {
		cfg.Peer.ID = utils.NewPeerID()
	}
	if cfg.Peer.DisplayName == "" {
		cfg.Peer.DisplayName = cfg.Peer.ID
	}
	ct, err := domain.ParseConnectionType(cfg.Connectivity.ConnectionType)
	if err != nil {
		return err
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The executor outlives ctx so the manager can still be closed on it.
	queue := dispatch.NewQueue()
	defer queue.Close()
	go func() {
		if err := queue.Run(context.Background()); err != nil {
			zapLogger.Warn("executor stopped", zap.Error(err))
		}
	}()

	local := domain.Peer{ID: domain.PeerID(cfg.Peer.ID), DisplayName: cfg.Peer.DisplayName}

	dialRetry := retry.DefaultConfig()
	dialRetry.MaxAttempts = cfg.Rendezvous.DialAttempts
	if cfg.Rendezvous.DialRetryDelay > 0 {
		dialRetry.InitialDelay = cfg.Rendezvous.DialRetryDelay
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, time.Minute)
	transport, err := wstransport.Dial(dialCtx, cfg.Rendezvous.URL, local, queue,
		wstransport.WithLogger(zapLogger.Named("transport")),
		wstransport.WithToken(cfg.Rendezvous.Token),
		wstransport.WithRetry(dialRetry),
		wstransport.WithMaxMessageSize(cfg.Rendezvous.MaxMessageBytes),
	)
	dialCancel()
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", cfg.Rendezvous.URL, err)
	}

	opts := []services.Option{
		services.WithConnectionType(ct),
		services.WithDiscoveryInfo(cfg.Connectivity.DiscoveryInfo),
		services.WithInviteTimeout(cfg.Connectivity.InviteTimeout),
		services.WithLogger(zapLogger.Named("manager")),
	}
	if len(acceptFrom) > 0 {
		opts = append(opts, services.WithInvitationFilter(allowPeers(acceptFrom)))
	}
	manager, err := services.NewPeerConnectionManager(transport, cfg.Connectivity.ServiceType, opts...)
	if err != nil {
		_ = transport.Close()
		return err
	}

	con := newConsole(manager, os.Stdout, cfg.Connectivity.InviteTimeout)
	con.prompts = func() []invitationPrompt {
		assistant := transport.AdvertiserAssistant()
		if assistant == nil {
			return nil
		}
		var prompts []invitationPrompt
		for _, p := range assistant.Prompts() {
			prompts = append(prompts, invitationPrompt{From: p.From, Accept: p.Accept, Decline: p.Decline})
		}
		return prompts
	}

	var startErr error
	if err := queue.Do(ctx, func() { startErr = manager.Start(nil) }); err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-transport.Done():
			fmt.Fprintln(os.Stderr, "rendezvous connection lost")
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			var execErr error
			if err := queue.Do(ctx, func() { execErr = con.Execute(line) }); err != nil {
				break loop
			}
			if errors.Is(execErr, errQuit) {
				break loop
			}
			if execErr != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", execErr)
			}
		}
	}

	var closeErr error
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := queue.Do(closeCtx, func() { closeErr = manager.Close() }); err != nil {
		return err
	}
	return closeErr
}

func override(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func allowPeers(ids []string) services.InvitationFilter {
	allowed := make(map[domain.PeerID]bool, len(ids))
	for _, id := range ids {
		allowed[domain.PeerID(id)] = true
	}
	return func(peer domain.Peer, _ []byte) bool {
		return allowed[peer.ID]
	}
}
