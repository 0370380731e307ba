package agent

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/stun/v2"

	"github.com/bosonmesh/boson/internal/model"
)

// NATInfo is the result of STUN-based NAT discovery.
type NATInfo struct {
	NATType    model.NATType
	MappedAddr string // "ip:port" observed by the STUN server, if any
}

// DiscoverNAT queries the configured STUN servers in order and classifies the
// node's NAT. No server reachable means no traversal information, which is
// treated as symmetric (the most restrictive assumption).
func DiscoverNAT(servers []string, timeout time.Duration) NATInfo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	for _, server := range servers {
		addr, err := stunBindingRequest(server, timeout)
		if err != nil {
			log.Printf("[agent] stun query %s failed: %v", server, err)
			continue
		}
		// A single mapped address cannot distinguish cone variants; a
		// consistent mapping across servers would. One reachable server
		// gives the optimistic classification.
		return NATInfo{NATType: model.NATFullCone, MappedAddr: addr}
	}
	log.Printf("[agent] no stun server reachable, assuming symmetric nat")
	return NATInfo{NATType: model.NATSymmetric}
}

func stunBindingRequest(server string, timeout time.Duration) (string, error) {
	client, err := stun.Dial("udp4", server)
	if err != nil {
		return "", fmt.Errorf("dial stun %s: %w", server, err)
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	var (
		mapped  stun.XORMappedAddress
		callErr error
	)
	done := make(chan struct{})
	err = client.Start(msg, func(res stun.Event) {
		defer close(done)
		if res.Error != nil {
			callErr = res.Error
			return
		}
		callErr = mapped.GetFrom(res.Message)
	})
	if err != nil {
		return "", fmt.Errorf("stun binding request: %w", err)
	}

	select {
	case <-done:
	case <-time.After(timeout):
		return "", fmt.Errorf("stun binding request to %s timed out", server)
	}
	if callErr != nil {
		return "", callErr
	}
	return fmt.Sprintf("%s:%d", mapped.IP, mapped.Port), nil
}
