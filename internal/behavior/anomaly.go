package behavior

// Per-dimension penalties: {rare (<10%), uncommon (<30%)}.
var (
	endpointPenalty = [2]int{40, 20}
	sourcePenalty   = [2]int{50, 25}
	methodPenalty   = [2]int{30, 15}
)

// AnomalyScore rates how unusual (endpoint, method, source) is against the
// profile's samples. It is pure: the profile is only read.
func AnomalyScore(p *Profile, endpoint, method, source string) (int, map[string]any) {
	if p == nil || len(p.Samples) == 0 {
		return 0, map[string]any{"reason": "no_samples"}
	}

	var endpoints, methods, sources int
	for _, s := range p.Samples {
		if s.Endpoint == endpoint {
			endpoints++
		}
		if s.Method == method {
			methods++
		}
		if s.SourceAddress == source {
			sources++
		}
	}
	total := float64(len(p.Samples))
	ef := float64(endpoints) / total
	sf := float64(sources) / total
	mf := float64(methods) / total

	score := tier(ef, endpointPenalty) + tier(sf, sourcePenalty) + tier(mf, methodPenalty)
	if score > 100 {
		score = 100
	}
	return score, map[string]any{
		"endpoint_frequency": ef,
		"source_frequency":   sf,
		"method_frequency":   mf,
		"confidence":         p.Confidence,
	}
}

func tier(freq float64, penalty [2]int) int {
	switch {
	case freq < 0.1:
		return penalty[0]
	case freq < 0.3:
		return penalty[1]
	default:
		return 0
	}
}
