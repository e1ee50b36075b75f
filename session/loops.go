package session

import "time"

// retentionLoop purges sessions/metrics rows older than RetentionDays every
// CleanupInterval, in bounded batches.
func (m *Manager) retentionLoop() {
	defer m.wg.Done()
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
			m.writer.purgeOlderThan(cutoff, 500)
		}
	}
}

// metricsLoop appends one MetricsSnapshot row every CollectionInterval.
func (m *Manager) metricsLoop() {
	defer m.wg.Done()
	interval := m.cfg.CollectionInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			row := metricsRow{
				Timestamp:      time.Now().UTC().Format(isoLayout),
				ActiveSessions: m.ActiveCount(),
				TotalSessions:  int(m.TotalCount()),
				Bandwidth:      m.CumulativeBytes(),
			}
			m.writer.appendMetrics(row)
		}
	}
}
