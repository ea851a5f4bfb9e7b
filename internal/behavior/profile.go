// Package behavior learns per-identity request fingerprints and scores how
// far a new request departs from them.
package behavior

import (
	"errors"
	"time"
)

const (
	// Capacity is the number of samples retained per identity.
	Capacity = 100
	// MaxConfidence caps the confidence counter.
	MaxConfidence = 100
	// MinConfidence is the confidence below which a profile is not trusted.
	MinConfidence = 10
)

var ErrNotFound = errors.New("behavior: profile not found")

// Sample is one observed request.
type Sample struct {
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
	SourceAddress string    `json:"source_address"`
	Timestamp     time.Time `json:"timestamp"`
	Risk          int       `json:"risk"`
}

// Profile is a snapshot of an identity's learned behavior. Samples are
// ordered oldest first.
type Profile struct {
	IdentityID  string    `json:"identity_id"`
	Samples     []Sample  `json:"samples"`
	Confidence  int       `json:"confidence"`
	SampleCount int64     `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Samples = append([]Sample(nil), p.Samples...)
	return &cp
}

// ring is a fixed-capacity FIFO buffer.
type ring struct {
	buf   [Capacity]Sample
	start int
	size  int
}

func (r *ring) push(s Sample) {
	if r.size < Capacity {
		r.buf[(r.start+r.size)%Capacity] = s
		r.size++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % Capacity
}

func (r *ring) ordered() []Sample {
	out := make([]Sample, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%Capacity]
	}
	return out
}

func ringFrom(samples []Sample) ring {
	var r ring
	if len(samples) > Capacity {
		samples = samples[len(samples)-Capacity:]
	}
	for _, s := range samples {
		r.push(s)
	}
	return r
}
