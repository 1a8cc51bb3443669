package notion

import (
	"time"

	"github.com/planware/syncd/server/model"
)

// taskProps is the single source of truth for the upstream property schema
// of the task database. Renaming a property upstream only requires touching
// this table.
var taskProps = struct {
	Title           string
	WorkPeriod      string
	AssignedMembers string
	Project         string
	TaskType        string
	Status          string
	BilledHours     string
	ActualHours     string
	AddToCalendar   string
	ClientPlanning  string
	Notes           string
}{
	Title:           "Name",
	WorkPeriod:      "Work Period",
	AssignedMembers: "Assigned Members",
	Project:         "Project",
	TaskType:        "Type",
	Status:          "Status",
	BilledHours:     "Billed Hours",
	ActualHours:     "Actual Hours",
	AddToCalendar:   "Add to Calendar",
	ClientPlanning:  "Client Planning",
	Notes:           "Notes",
}

// nameProp is the title property shared by the four simple kinds.
const nameProp = "Name"

// relationProps maps the simple kinds to their relation property names.
var relationProps = map[model.EntityKind]map[string]string{
	model.KindProject: {"client": "Client", "tasks": "Tasks"},
	model.KindClient:  {"projects": "Projects"},
	model.KindMember:  {"team": "Team"},
	model.KindTeam:    {"members": "Members"},
}

const dateLayout = time.RFC3339

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	// Upstream sends either full timestamps or bare dates.
	if t, err := time.Parse(dateLayout, s); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t
	}
	return nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}

// taskFromPage maps an upstream page into the internal task shape.
func taskFromPage(p page) model.Task {
	t := model.Task{
		ID:        p.ID,
		CreatedAt: p.CreatedTime,
		UpdatedAt: p.LastEditedTime,
	}
	for name, v := range p.Properties {
		switch name {
		case taskProps.Title:
			t.Title = plainText(v.Title)
		case taskProps.WorkPeriod:
			if v.Date != nil {
				t.WorkPeriod.StartDate = parseDate(v.Date.Start)
				t.WorkPeriod.EndDate = parseDate(v.Date.End)
			}
		case taskProps.AssignedMembers:
			for _, r := range v.Relation {
				t.AssignedMembers = append(t.AssignedMembers, r.ID)
			}
		case taskProps.Project:
			if len(v.Relation) > 0 {
				t.ProjectID = v.Relation[0].ID
			}
		case taskProps.TaskType:
			if v.Select != nil {
				t.TaskType = model.TaskType(v.Select.Name)
			}
		case taskProps.Status:
			if v.Status != nil {
				t.Status = model.TaskStatus(v.Status.Name)
			}
		case taskProps.BilledHours:
			if v.Number != nil {
				t.BilledHours = *v.Number
			}
		case taskProps.ActualHours:
			if v.Number != nil {
				t.ActualHours = *v.Number
			}
		case taskProps.AddToCalendar:
			if v.Checkbox != nil {
				t.AddToCalendar = *v.Checkbox
			}
		case taskProps.ClientPlanning:
			if v.Checkbox != nil {
				t.ClientPlanning = *v.Checkbox
			}
		case taskProps.Notes:
			t.Notes = plainText(v.RichText)
		}
	}
	if t.TaskType == "" {
		t.TaskType = model.TaskTypeTask
	}
	return t
}

// taskToProperties maps a task into the upstream property payload for
// create and update calls.
func taskToProperties(t model.Task) map[string]propertyValue {
	props := map[string]propertyValue{
		taskProps.Title:           titleProp(t.Title),
		taskProps.AssignedMembers: relationProp(t.AssignedMembers),
		taskProps.BilledHours:     {Number: &t.BilledHours},
		taskProps.ActualHours:     {Number: &t.ActualHours},
		taskProps.AddToCalendar:   {Checkbox: &t.AddToCalendar},
		taskProps.ClientPlanning:  {Checkbox: &t.ClientPlanning},
	}
	if t.WorkPeriod.StartDate != nil {
		props[taskProps.WorkPeriod] = propertyValue{Date: &dateValue{
			Start: formatDate(t.WorkPeriod.StartDate),
			End:   formatDate(t.WorkPeriod.EndDate),
		}}
	}
	if t.ProjectID != "" {
		props[taskProps.Project] = relationProp([]string{t.ProjectID})
	}
	if t.TaskType != "" {
		props[taskProps.TaskType] = propertyValue{Select: &selectValue{Name: string(t.TaskType)}}
	}
	if t.Status != "" {
		props[taskProps.Status] = propertyValue{Status: &selectValue{Name: string(t.Status)}}
	}
	if t.Notes != "" {
		props[taskProps.Notes] = textProp(t.Notes)
	}
	return props
}

func nameFromPage(p page) string {
	for _, v := range p.Properties {
		if len(v.Title) > 0 {
			return plainText(v.Title)
		}
	}
	return ""
}

func relationIDs(p page, propName string) []string {
	v, ok := p.Properties[propName]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(v.Relation))
	for _, r := range v.Relation {
		ids = append(ids, r.ID)
	}
	return ids
}
