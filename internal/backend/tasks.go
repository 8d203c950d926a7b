package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"camwatch/internal/analyzer"
)

// Priority is the backend's task priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

const taskSource = "ai_camera"

// cleaningDue is how long a cleaning task may stay open, by severity.
var cleaningDue = map[analyzer.Severity]time.Duration{
	analyzer.SeverityLow:      4 * time.Hour,
	analyzer.SeverityMedium:   2 * time.Hour,
	analyzer.SeverityHigh:     time.Hour,
	analyzer.SeverityCritical: 30 * time.Minute,
}

func (c *Client) reference(cameraID string, f *analyzer.Finding) map[string]any {
	return map[string]any{
		"camera_id":      cameraID,
		"detection_type": string(f.Kind),
		"severity":       string(f.Severity),
		"snapshot":       f.SnapshotPath,
		"timestamp":      c.now().Format(time.RFC3339),
	}
}

// CreateCleaningTask files a cleaning task for a mess finding.
func (c *Client) CreateCleaningTask(ctx context.Context, cameraID, location string, f *analyzer.Finding, priority Priority) (*Task, error) {
	zone := c.ZoneName(location, "unspecified location")

	due, ok := cleaningDue[f.Severity]
	if !ok {
		due = 2 * time.Hour
	}

	ref := c.reference(cameraID, f)
	if f.Mess != nil {
		ref["mess_score"] = f.Mess.Score
	}

	return c.CreateTask(ctx, TaskRequest{
		Title:           "Cleaning required - " + zone,
		Description:     cleaningDescription(f, zone),
		Priority:        priority,
		Category:        "cleaning",
		DepartmentID:    "dept-maintenance",
		DueDate:         c.now().Add(due),
		Source:          taskSource,
		SourceReference: ref,
	})
}

// CreateIdleWarning files a supervision check for an idle finding.
func (c *Client) CreateIdleWarning(ctx context.Context, cameraID string, f *analyzer.Finding, priority Priority) (*Task, error) {
	minutes := 0
	area := "unknown"
	ref := c.reference(cameraID, f)
	if f.Idle != nil {
		minutes = f.Idle.IdleSeconds / 60
		area = f.Idle.EmployeeArea
		ref["idle_duration"] = f.Idle.IdleSeconds
		ref["employee_area"] = f.Idle.EmployeeArea
	}

	return c.CreateTask(ctx, TaskRequest{
		Title:           fmt.Sprintf("Employee check - idle for %d minutes", minutes),
		Description:     idleDescription(area, minutes),
		Priority:        priority,
		Category:        "supervision",
		DepartmentID:    "dept-hr",
		DueDate:         c.now().Add(time.Hour),
		Source:          taskSource,
		SourceReference: ref,
	})
}

// CreateOrganizationTask files a warehouse task for disorganized products.
// Its priority is always medium.
func (c *Client) CreateOrganizationTask(ctx context.Context, cameraID, location string, f *analyzer.Finding) (*Task, error) {
	zone := c.ZoneName(location, "warehouse")

	return c.CreateTask(ctx, TaskRequest{
		Title: "Organize products - " + zone,
		Description: fmt.Sprintf("Disorganized products were detected in %s.\n\n"+
			"Required:\n- Put scattered products back\n- Make sure every product is in its place\n- Review shelf organization\n\n"+
			"Detected by the camera monitoring system.", zone),
		Priority:        PriorityMedium,
		Category:        "warehouse",
		DepartmentID:    "dept-warehouse",
		DueDate:         c.now().Add(3 * time.Hour),
		Source:          taskSource,
		SourceReference: c.reference(cameraID, f),
	})
}

func cleaningDescription(f *analyzer.Finding, zone string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mess detected in: %s\n\n", zone)
	if f.Mess != nil {
		fmt.Fprintf(&b, "Mess score: %d\n", f.Mess.Score)
		fmt.Fprintf(&b, "Scattered items: %d\n", f.Mess.ClutterCount)
		if len(f.Mess.Items) > 0 {
			b.WriteString("\nDetected items:\n")
			for _, item := range f.Mess.Items {
				fmt.Fprintf(&b, "- %s\n", item.Type)
			}
		}
	}
	b.WriteString("\nRequired:\n- Clean the area\n- Remove scattered items\n- Make sure the floor is clear\n\n")
	b.WriteString("Detected by the camera monitoring system. Snapshot attached.")
	return b.String()
}

func idleDescription(area string, minutes int) string {
	return fmt.Sprintf("Inactivity observed in area: %s\n\n"+
		"Idle for: %d minutes\n\n"+
		"Required:\n- Check on the employee\n- Make sure nothing is wrong\n- Follow up on the workflow\n\n"+
		"This is an automated alert from the camera monitoring system. Please handle it with discretion.",
		area, minutes)
}
