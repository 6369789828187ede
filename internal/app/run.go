package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/chimelab/chime/internal/call"
	"github.com/chimelab/chime/internal/config"
	"github.com/chimelab/chime/internal/history"
	"github.com/chimelab/chime/internal/signal"
	"github.com/chimelab/chime/internal/util"
)

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config

	// CallTarget, when set, dials this user immediately and exits once
	// the attempt reaches a terminal state.
	CallTarget string
	Video      bool

	// AutoAccept answers every incoming call, for unattended endpoints
	// (kiosks, door stations, test rigs).
	AutoAccept bool
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	log.Printf("data dir: %s", opt.DataDir)
	log.Printf("identity: %s (%s)", cfg.Identity.UserID, cfg.Identity.Label)
	log.Printf("relay: %s", cfg.Relay.Backend)

	store, err := history.OpenSQLite(util.ResolvePath(opt.DataDir, cfg.History.Dir))
	if err != nil {
		return fmt.Errorf("open call history: %w", err)
	}
	defer store.Close()
	rec := history.NewRecorder(store)

	bus, err := newBus(cfg, opt.DataDir)
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer bus.Close()

	directory := newContactDirectory(cfg.Contacts)

	mgr, err := call.NewManager(call.Config{
		SelfID:        cfg.Identity.UserID,
		Bus:           bus,
		Journal:       journalAdapter{rec},
		Directory:     directory,
		Media:         call.MediaConfig{STUNURLs: cfg.Media.STUNURLs, VideoBitRate: cfg.Media.VideoBitRate},
		RingTimeout:   secs(cfg.Calls.RingTimeoutSec),
		AnswerTimeout: secs(cfg.Calls.AnswerTimeoutSec),
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	recent := newSessionLog(200)
	terminal := make(chan string, 1)

	mgr.OnEvent(func(e call.Event) {
		switch ev := e.(type) {
		case call.StateChanged:
			recent.Note("%s → %s", ev.CallID, ev.State)
			if ev.State.Terminal() {
				select {
				case terminal <- ev.CallID:
				default:
				}
			}
		case call.RemoteStreamReady:
			log.Printf("CALL [%s]: remote media up (%d track(s))", ev.CallID, len(ev.Stream.Tracks()))
			recent.Note("%s remote media up", ev.CallID)
		case call.CallError:
			recent.Note("%s error: %s", ev.CallID, ev.Kind)
		}
	})

	mgr.OnIncoming(func(ic call.IncomingCall) {
		log.Printf("📞 incoming %s call from %s", ic.Kind, ic.CallerLabel)
		if opt.AutoAccept {
			go func() {
				if err := mgr.AcceptIncomingCall(ic.CallID); err != nil {
					log.Printf("CALL [%s]: auto-accept: %v", ic.CallID, err)
				}
			}()
		}
	})

	// Contacts hot-reload. Everything else needs a restart.
	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		directory.Replace(next.Contacts)
	})
	if err != nil {
		log.Printf("WARNING: config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	if opt.CallTarget != "" {
		kind := call.MediaAudio
		if opt.Video {
			kind = call.MediaVideo
		}
		id, err := mgr.StartOutgoingCall(opt.CallTarget, kind)
		if err != nil {
			return fmt.Errorf("call %s: %w", opt.CallTarget, err)
		}
		select {
		case <-ctx.Done():
			_ = mgr.EndCall(id)
		case <-terminal:
			log.Printf("CALL [%s]: finished", id)
		}
		recent.Dump()
		return nil
	}

	log.Printf("agent ready, waiting for calls (Ctrl+C to stop)")
	<-ctx.Done()
	recent.Dump()
	return nil
}

// PrintHistory lists the most recent call records for the local user.
func PrintHistory(dataDir string, cfg config.Config, limit int) error {
	store, err := history.OpenSQLite(util.ResolvePath(dataDir, cfg.History.Dir))
	if err != nil {
		return fmt.Errorf("open call history: %w", err)
	}
	defer store.Close()

	recs, err := store.ListCalls(cfg.Identity.UserID, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no calls recorded")
		return nil
	}
	for _, r := range recs {
		other := r.RecipientID
		dir := "→"
		if r.RecipientID == cfg.Identity.UserID {
			other = r.CallerID
			dir = "←"
		}
		line := fmt.Sprintf("%s  %s %s %-10s %-9s", r.CreatedAt.Format("2006-01-02 15:04:05"), dir, other, r.CallType, r.Status)
		if r.DurationSeconds > 0 {
			line += fmt.Sprintf("  %ds", r.DurationSeconds)
		}
		fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

func newBus(cfg config.Config, dataDir string) (signal.Bus, error) {
	self := cfg.Identity.UserID
	switch cfg.Relay.Backend {
	case "memory":
		return signal.NewMemoryBus(self), nil
	case "redis":
		return signal.NewRedisBus(self, signal.RedisOptions{
			Addr:     cfg.Relay.Redis.Addr,
			Password: cfg.Relay.Redis.Password,
			DB:       cfg.Relay.Redis.DB,
		})
	case "p2p":
		return signal.NewP2PBus(self, signal.P2POptions{
			ListenPort:     cfg.Relay.P2P.ListenPort,
			KeyFile:        util.ResolvePath(dataDir, cfg.Relay.P2P.KeyFile),
			MdnsTag:        cfg.Relay.P2P.MdnsTag,
			BootstrapPeers: cfg.Relay.P2P.BootstrapPeers,
		})
	case "ws":
		return signal.NewWSBus(self, cfg.Relay.WS.URL)
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
	}
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
