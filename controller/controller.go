package controller

import (
	"github.com/gorilla/mux"
)

// Subsystem is the contract every controller module satisfies: one-time
// bucket/state bootstrap and REST surface registration. Runtime sequencing is
// owned by the daemon's tick loop, not by the subsystem itself.
type Subsystem interface {
	Setup() error
	LoadAPI(r *mux.Router)
}
