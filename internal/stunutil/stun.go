package stunutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// Report describes how this host appears from the public internet.
type Report struct {
	PublicAddr string
	NATType    string
	// Answered counts the servers that returned a mapped address.
	Answered int
	Errors   []error
}

// BehindNAT is a rough hint that inbound connections need a tunnel.
func (r Report) BehindNAT() bool {
	return r.NATType == NATTypeSymmetric || r.NATType == NATTypeConeOrRestricted
}

// Probe asks each STUN server for this host's mapped address. Individual
// server failures are collected in Report.Errors; an error is returned only
// when no server answered.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Report, error) {
	report := Report{NATType: NATTypeUnknown}
	if len(servers) == 0 {
		return report, fmt.Errorf("no STUN servers provided")
	}

	mapped := make([]string, 0, len(servers))
	for _, server := range servers {
		addr, err := mappedAddress(ctx, server, timeout)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("%s: %w", server, err))
			continue
		}
		mapped = append(mapped, addr)
	}

	report.Answered = len(mapped)
	if len(mapped) == 0 {
		return report, errors.Join(report.Errors...)
	}
	report.PublicAddr = mapped[0]
	report.NATType = Classify(mapped)
	return report, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func mappedAddress(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type answer struct {
		addr string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		err := client.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(res stun.Event) {
			if res.Error != nil {
				done <- answer{err: res.Error}
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(res.Message); err != nil {
				done <- answer{err: err}
				return
			}
			done <- answer{addr: xor.String()}
		})
		if err != nil {
			select {
			case done <- answer{err: err}:
			default:
			}
		}
	}()

	select {
	case a := <-done:
		return a.addr, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
