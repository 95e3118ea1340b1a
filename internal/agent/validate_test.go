package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDangerousCommand(t *testing.T) {
	dangerous := []string{
		"rm -rf /",
		"rm -fr /*",
		"rm -r -f /",
		"rm -rf ~",
		"sudo mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		":(){ :|:& };:",
	}
	for _, cmd := range dangerous {
		assert.True(t, dangerousCommand(cmd), cmd)
	}

	benign := []string{
		"java -Xmx4G -jar server.jar nogui",
		"rm -rf ./world_old",
		"rm cache.tmp",
		"dd if=backup.img of=restore.img",
		"./start.sh --port 25565",
	}
	for _, cmd := range benign {
		assert.False(t, dangerousCommand(cmd), cmd)
	}
}

func TestEnvAllowed(t *testing.T) {
	allowed := []string{"PATH", "HOME", "LANG", "TZ", "JAVA_HOME", "JAVA_OPTS", "MC_RAM", "MC_VERSION"}
	for _, name := range allowed {
		assert.True(t, envAllowed(name), name)
	}
	denied := []string{"AWS_SECRET_ACCESS_KEY", "SSH_AUTH_SOCK", "LD_PRELOAD", "DATABASE_URL"}
	for _, name := range denied {
		assert.False(t, envAllowed(name), name)
	}
}

func TestMergeEnvFiltersRequested(t *testing.T) {
	out := mergeEnv(map[string]string{
		"MC_RAM":     "4G",
		"JAVA_OPTS":  "-XX:+UseG1GC",
		"LD_PRELOAD": "/tmp/evil.so",
	})
	assert.Contains(t, out, "MC_RAM=4G")
	assert.Contains(t, out, "JAVA_OPTS=-XX:+UseG1GC")
	for _, kv := range out {
		assert.NotContains(t, kv, "LD_PRELOAD")
	}
}

func TestMergeEnvOverridesHostValue(t *testing.T) {
	t.Setenv("MC_RAM", "2G")
	out := mergeEnv(map[string]string{"MC_RAM": "8G"})
	assert.Contains(t, out, "MC_RAM=8G")
	assert.NotContains(t, out, "MC_RAM=2G")
}
