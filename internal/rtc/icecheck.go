package rtc

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/protocol"
)

// CheckSTUN sends a binding request to each advertised STUN server and
// returns nil once one answers with a mapped address. A room whose
// servers are all unreachable can still connect on host candidates, so
// callers treat a failure as a warning, not a stop.
func CheckSTUN(ctx context.Context, urls []string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	for _, raw := range urls {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		addr := strings.TrimPrefix(raw, "stun:")
		if addr == raw || addr == "" {
			continue
		}

		c, err := stun.Dial("udp4", addr)
		if err != nil {
			log.Debug("STUN server unreachable", zap.String("server", addr), zap.Error(err))
			continue
		}

		var mapped bool
		msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		err = c.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				return
			}
			var xorAddr stun.XORMappedAddress
			if getErr := xorAddr.GetFrom(res.Message); getErr == nil {
				log.Debug("STUN binding succeeded",
					zap.String("server", addr),
					zap.String("mappedAddr", xorAddr.String()))
				mapped = true
			}
		})
		c.Close()

		if err == nil && mapped {
			return nil
		}
		log.Debug("STUN binding failed", zap.String("server", addr), zap.Error(err))
	}
	return fmt.Errorf("no advertised STUN server answered a binding request")
}

// STUNURLs extracts the stun: entries from an advertised server list.
func STUNURLs(servers []protocol.ICEServer) []string {
	var out []string
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "stun:") {
				out = append(out, u)
			}
		}
	}
	return out
}
