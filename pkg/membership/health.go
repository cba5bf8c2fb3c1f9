package membership

// HealthReporter is implemented by layers that can grade their own network
// health. Lower is better; -1 means not started. Status output includes it
// when available.
type HealthReporter interface {
    HealthScore() int
}
