// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"sync"

	"github.com/absmach/vtbridge/broker"
)

// recoveredSet holds the queues whose consumers were bound during CONNECT.
// An entry is consumed by the first SUBSCRIBE that matches it.
type recoveredSet struct {
	m sync.Map // broker.Destination -> struct{}
}

func (s *recoveredSet) Add(d broker.Destination) {
	s.m.Store(d, struct{}{})
}

// Take removes d and reports whether it was present, as one atomic step.
func (s *recoveredSet) Take(d broker.Destination) bool {
	_, ok := s.m.LoadAndDelete(d)
	return ok
}
