package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for the log
// directory of a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for orchestrator-launcher %s
# Install: sudo cp this file to /etc/logrotate.d/orchestrator-launcher-%s

%s/%s/*.log {
    daily
    rotate 14

    compress
    delaycompress

    missingok
    notifempty

    # the launcher keeps its log open for the whole run
    copytruncate
}
`, component, component, LogRoot, component)
}
