package worker

import (
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/hubbub-bot/hubbub/pkg/dispatch"
)

// Scheduler queues plugin interval callbacks on a cron schedule. The
// callbacks themselves run on the worker pool like any other task, so a
// slow interval cannot stall the scheduler.
type Scheduler struct {
	log    *logrus.Logger
	router *dispatch.Router
	cron   *cron.Cron
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(router *dispatch.Router, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		log:    log,
		router: router,
		cron:   cron.New(cron.WithSeconds()),
	}
}

// Every queues the plugin's interval callback on the given cron spec
// (with a seconds field), passing param through opaquely.
func (s *Scheduler) Every(spec, plugin string, param interface{}) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		if err := s.router.QueueInterval(plugin, param); err != nil {
			s.log.WithError(err).Warnf("failed to queue interval for plugin %s", plugin)
		}
	})
}

// Remove drops a scheduled interval.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing schedules and waits for in-flight cron callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
