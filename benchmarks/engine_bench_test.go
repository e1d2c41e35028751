package benchmarks

import (
	"context"
	"log"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/cutekitek/rankode-exec/internal/engine"
	"github.com/cutekitek/rankode-exec/internal/pool"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/cutekitek/rankode-exec/internal/runner/host"
	"github.com/cutekitek/rankode-exec/internal/toolchain"
	"github.com/cutekitek/rankode-exec/internal/workspace"
)

var eng *engine.Engine

func initEngine(dir string) error {
	tc, err := toolchain.NewDispatcher(toolchain.Config{BuildTimeout: 10 * time.Second, RunTimeout: 5 * time.Second})
	if err != nil {
		return err
	}
	ws, err := workspace.New(dir, tc)
	if err != nil {
		return err
	}
	eng = engine.New(ws, tc, host.New(host.Config{MaxFileSize: 100 * 1024 * 1024}), engine.Config{
		MaxOutput:    1024 * 1024,
		CleanupGrace: 100 * time.Millisecond,
	})
	return nil
}

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "rankode-bench")
	if err != nil {
		log.Fatalf("Failed to create workspace: %v", err)
	}
	if err := initEngine(dir); err != nil {
		log.Fatalf("Failed to init engine: %v", err)
	}
	code := m.Run()
	eng.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}

func requireBinary(b *testing.B, bin string) {
	if _, err := exec.LookPath(bin); err != nil {
		b.Skipf("%s is not installed", bin)
	}
}

func runLoop(b *testing.B, req *dto.RunRequest) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := eng.Run(context.Background(), req)
		if err != nil {
			b.Fatalf("Run failed: %v", err)
		}
		if !res.Succeeded() {
			b.Fatalf("Unexpected kind: %v %s", res.Kind, res.Error)
		}
	}
}

func BenchmarkCHelloWorld(b *testing.B) {
	requireBinary(b, "gcc")
	runLoop(b, &dto.RunRequest{
		Language: models.LanguageC,
		Code: `#include <stdio.h>
int main(void) { puts("Hello, World!"); return 0; }`,
	})
}

func BenchmarkCPPInputProcessing(b *testing.B) {
	requireBinary(b, "g++")
	runLoop(b, &dto.RunRequest{
		Language: models.LanguageCPP,
		Code: `#include <iostream>
int main() { long n; std::cin >> n; std::cout << n * 2 << std::endl; }`,
		Stdin: "21",
	})
}

func BenchmarkPythonHelloWorld(b *testing.B) {
	requireBinary(b, "python3")
	runLoop(b, &dto.RunRequest{
		Language: models.LanguagePython,
		Code:     `print("Hello, World!")`,
	})
}

func BenchmarkPythonFibonacci(b *testing.B) {
	requireBinary(b, "python3")
	code := `def fib(n):
    if n <= 1:
        return n
    return fib(n-1) + fib(n-2)

print(fib(20))`
	runLoop(b, &dto.RunRequest{Language: models.LanguagePython, Code: code})
}

func BenchmarkPythonInputProcessing(b *testing.B) {
	requireBinary(b, "python3")
	code := `import sys
data = sys.stdin.read().strip()
if data:
    n = int(data)
    print(n * 2)
else:
    print("no input")`
	runLoop(b, &dto.RunRequest{Language: models.LanguagePython, Code: code, Stdin: "25"})
}

// Parallel submissions through the bounded pool, as the HTTP entry point does.
func BenchmarkPythonPool(b *testing.B) {
	requireBinary(b, "python3")
	p := pool.New(eng, 4, 1024)
	defer p.Close()
	req := &dto.RunRequest{Language: models.LanguagePython, Code: `print(input())`, Stdin: "x"}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			res, err := p.Run(context.Background(), req)
			if err != nil {
				b.Errorf("Run failed: %v", err)
				return
			}
			if !res.Succeeded() {
				b.Errorf("Unexpected kind: %v %s", res.Kind, res.Error)
				return
			}
		}
	})
}
