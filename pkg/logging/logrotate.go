package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for pipewatch %s
# Install: sudo cp this file to /etc/logrotate.d/pipewatch-%s

/var/log/pipewatch/%s/*.log {
    # Rotate daily
    daily

    # Keep 14 days of logs
    rotate 14

    # Compress old logs
    compress
    delaycompress

    # Don't error if log is missing
    missingok

    # Don't rotate empty logs
    notifempty

    # Create new log with these permissions
    create 0644 pipewatch pipewatch

    # Run postrotate script only once for all logs
    sharedscripts

    # Reload service after rotation
    postrotate
        systemctl reload pipewatch-%s 2>/dev/null || true
    endscript
}
`, component, component, component, component)
}

// GenerateDaemonLogrotate generates logrotate config for the daemon
func GenerateDaemonLogrotate() string {
	return GenerateLogrotateConfig("daemon")
}
