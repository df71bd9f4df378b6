package coordinator

import (
	"log"

	"github.com/robfig/cron/v3"
)

// StartReconcileLoop schedules ReconcileExternal on a cron expression
// (e.g. "@every 5s"), generalizing the teacher's use of
// github.com/robfig/cron/v3 for schedule parsing (terminal/
// cron_scheduler.go's ValidateSchedule/GetNextRunTime) from
// user-defined recurring terminal commands — a feature outside this
// core's scope — to the Window Registry's own periodic
// external-reconciliation sweep. Returns a stop function.
func (c *Coordinator) StartReconcileLoop(schedule string) (stop func(), err error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.SecondOptional | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, err
	}

	runner := cron.New(cron.WithParser(parser))
	_, err = runner.AddFunc(schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("coordinator: reconcile loop panic: %v", r)
			}
		}()
		c.ReconcileExternal()
	})
	if err != nil {
		return nil, err
	}

	runner.Start()
	return func() { <-runner.Stop().Done() }, nil
}
