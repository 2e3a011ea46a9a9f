package models

// Scope is the tenancy of a job. Every per-job query and update is filtered
// by it, and dedup keys are only compared within one scope.
type Scope struct {
	Organization string `db:"organization" json:"organization"`
	Workspace    string `db:"workspace"    json:"workspace"`
	Project      string `db:"project"      json:"project"`
}

func (s Scope) String() string {
	return s.Organization + "/" + s.Workspace + "/" + s.Project
}
