package reconcile

import (
	"fmt"
	"time"
)

// NotInServiceError marks a train that is cancelled or absent from the
// queried date's timetable. Terminal for that operating date.
type NotInServiceError struct {
	TrainNumber string
	Date        time.Time
}

func (e *NotInServiceError) Error() string {
	return fmt.Sprintf("train %s is not in service on %s", e.TrainNumber, e.Date.Format("2006-01-02"))
}

// DataLostError marks delay data that arrived yesterday and can no longer be
// obtained: the clock has rolled past midnight while the leg was a plain
// daytime run. Distinct from a journey that simply has not finished yet.
type DataLostError struct {
	TrainNumber string
	Date        time.Time
}

func (e *DataLostError) Error() string {
	return fmt.Sprintf("delay data for train %s on %s is no longer obtainable", e.TrainNumber, e.Date.Format("2006-01-02"))
}
