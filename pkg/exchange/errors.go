package exchange

import "errors"

var ErrInvalidKey = errors.New("exchange: invalid key")
