package app

import (
	"context"

	"optrack/driver-agent/internal/model"
	"optrack/driver-agent/internal/queue"
	"optrack/driver-agent/internal/syncer"
)

// State is the observable agent state served to operator clients.
type State struct {
	Location             *model.Location           `json:"location"`
	IsWaitingForLocation bool                      `json:"isWaitingForLocation"`
	ErrorMsg             string                    `json:"errorMsg,omitempty"`
	OperationalButtons   []model.OperationalButton `json:"operationalButtons"`
	ActiveButton         string                    `json:"activeButton,omitempty"`
	CurrentOperation     *model.Operation          `json:"currentOperation"`
	OperationHistory     []model.Operation         `json:"operationHistory"`
	VehiclePlate         string                    `json:"vehiclePlate"`
	ElapsedTime          string                    `json:"elapsedTime"`
	IsLoggedIn           bool                      `json:"isLoggedIn"`
	IsLoading            bool                      `json:"isLoading"`
	AutoSync             bool                      `json:"autoSync"`
	LastSync             *syncer.Result            `json:"lastSync,omitempty"`
	Queue                map[string]queue.Counts   `json:"queue"`
}

// State returns a snapshot of the agent.
func (a *App) State(ctx context.Context) (State, error) {
	history, err := a.queue.History(ctx)
	if err != nil {
		return State{}, err
	}
	counts, err := a.queue.Counts(ctx)
	if err != nil {
		return State{}, err
	}
	if history == nil {
		history = []model.Operation{}
	}
	buttons := a.tracker.Buttons()
	if buttons == nil {
		buttons = []model.OperationalButton{}
	}

	st := State{
		Location:             a.sampler.Current(),
		IsWaitingForLocation: a.sampler.Waiting(),
		OperationalButtons:   buttons,
		ActiveButton:         a.tracker.ActiveButton(),
		CurrentOperation:     a.tracker.Current(),
		OperationHistory:     history,
		VehiclePlate:         a.guard.Profile().VehicleIdentifier,
		IsLoggedIn:           a.guard.LoggedIn(),
		AutoSync:             a.syncer.AutoSyncRunning(),
		Queue:                counts,
	}
	if res, ok := a.syncer.LastResult(); ok {
		st.LastSync = &res
	}

	a.stateMu.RLock()
	st.ErrorMsg = a.errorMsg
	st.ElapsedTime = a.elapsed
	st.IsLoading = a.loading
	a.stateMu.RUnlock()

	return st, nil
}
