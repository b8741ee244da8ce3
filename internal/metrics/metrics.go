package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Login attempts by result.",
	}, []string{"result"})

	RefreshRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_refresh_rotations_total",
		Help: "Refresh token redemptions by result.",
	}, []string{"result"})

	TokenConsumptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_one_time_tokens_consumed_total",
		Help: "Verification code and reset token consumptions by kind and result.",
	}, []string{"kind", "result"})

	Registrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_registrations_total",
		Help: "Successfully registered principals.",
	})
)
