package basic

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khenidak/leasekeeper/pkg/config"
)

// parses testing vars file (LEASEKEEPER_TESTING_VARS) into a map. The
// file is optional, without it tests run over a plain unix socket.
func GetTestingVars(t testing.TB) map[string]string {
	m := make(map[string]string)
	testingVarsPath := os.Getenv("LEASEKEEPER_TESTING_VARS")
	if len(testingVarsPath) == 0 {
		return m
	}

	file, err := os.Open(testingVarsPath)
	if err != nil {
		t.Fatalf("failed to open testing vars %v err:%v", testingVarsPath, err)
	}
	defer file.Close()

	fscanner := bufio.NewScanner(file)
	for fscanner.Scan() {
		txt := fscanner.Text()
		parts := strings.Split(txt, " ")
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		} else {
			m[txt] = ""
		}
	}

	return m
}

// creates a test config where authority and client meet on a unix
// socket. TLS is used when the testing vars ask for it.
func MakeTestConfig(t testing.TB) *config.Config {
	t.Helper()
	configVals := GetTestingVars(t)

	// unix socket paths are length limited, t.TempDir() is often too long
	dir, err := os.MkdirTemp("", "lk")
	if err != nil {
		t.Fatalf("failed to create socket dir with err:%v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	address := "unix://" + filepath.Join(dir, "authority.sock")

	c := config.NewConfig()
	c.ListenAddress = address
	c.Endpoint = address
	c.DialTimeout = 2 * time.Second
	c.RequestTimeout = 2 * time.Second
	c.MinRenewInterval = 10 * time.Millisecond
	c.Backoff.Initial = 10 * time.Millisecond
	c.Backoff.Max = 200 * time.Millisecond

	_, useTLS := configVals["USE_TLS"]
	if useTLS {
		c.UseTLS = useTLS
		c.TLSConfig.CertFilePath = configVals["CERT_FILE_PATH"]
		c.TLSConfig.KeyFilePath = configVals["KEY_FILE_PATH"]
		c.TLSConfig.TrustedCAFile = configVals["TRUSTED_CA_FILE_PATH"]
	}

	if err := c.Validate(); err != nil {
		t.Fatalf("failed to validate config:%v", err)
	}

	if err := c.InitRuntime(); err != nil {
		t.Fatalf("failed to init runtime with err:%v", err)
	}

	return c
}
