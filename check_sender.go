package main

import (
	"fmt"
	"os/exec"
	"strings"
)

func main() {
	agentConfig := "/etc/zabbix/zabbix_agentd.conf"
	line := `- script.monitoring[check,runtimeMessage] "manual sender check"`
	fmt.Printf("Sending %s via zabbix_sender...\n", line)
	cmd := exec.Command("zabbix_sender", "-vv", "-c", agentConfig, "-i", "-")
	cmd.Stdin = strings.NewReader(line + "\n")
	out, err := cmd.CombinedOutput()
	if err != nil {
		fmt.Printf("Failed: %v\n%s\n", err, out)
	} else {
		fmt.Printf("Success!\n%s\n", out)
	}
}
