package billing

import "time"

// RunReport - итог одного прохода списаний. Живет только в памяти:
// отдается вызвавшему и в статус планировщика, в БД не сохраняется.
type RunReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	UsersCharged  int `json:"users_charged"`
	UsersDisabled int `json:"users_disabled"`

	// Списания, после которых не удалось продлить срок в панели:
	// деньги сняты, доступ не продлен. Считаются отдельно от прочих
	// ошибок и сопровождаются возвратом средств.
	PushFailures int `json:"push_failures"`

	Errors []string `json:"errors,omitempty"`
}

// LastRun - состояние последнего прохода для статусного запроса
type LastRun struct {
	At            *time.Time
	Success       *bool
	Error         string
	UsersCharged  int
	UsersDisabled int
	PushFailures  int
	Running       bool
}
