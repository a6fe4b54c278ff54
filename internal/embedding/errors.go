package embedding

import "errors"

var errCircuitOpen = errors.New("embedding: provider circuit breaker is open")
