package toolchain

// {workdir} is replaced by the engine with the scratch directory path as
// seen from inside the sandbox.
var commonEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME={workdir}",
	"TMPDIR={workdir}",
	"LANG=C.UTF-8",
}

// Builtin returns the default toolchains.
func Builtin() []ToolchainSpec {
	return []ToolchainSpec{
		{
			Tag:        "python3",
			Aliases:    []string{"python", "py"},
			Name:       "Python 3",
			SourceFile: "main.py",
			RunCmd:     "python3 -S -B {src}",
			Env:        append([]string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"}, commonEnv...),
			Image:      "python:3.12-slim",
			// Interpreter start-up dominates short tests.
			TimeMultiplier: 2,
		},
		{
			Tag:        "c",
			Name:       "C (gcc)",
			SourceFile: "main.c",
			BinaryFile: "main",
			CompileCmd: "gcc -O2 -std=c17 -pipe -o {bin} {src} -lm",
			RunCmd:     "./{bin}",
			Env:        commonEnv,
			Image:      "gcc:14",
		},
		{
			Tag:        "cpp",
			Aliases:    []string{"c++", "cxx"},
			Name:       "C++ (g++)",
			SourceFile: "main.cpp",
			BinaryFile: "main",
			CompileCmd: "g++ -O2 -std=c++17 -pipe -o {bin} {src}",
			RunCmd:     "./{bin}",
			Env:        commonEnv,
			Image:      "gcc:14",
		},
		{
			Tag:        "go",
			Aliases:    []string{"golang"},
			Name:       "Go",
			SourceFile: "main.go",
			BinaryFile: "main",
			CompileCmd: "go build -o {bin} {src}",
			RunCmd:     "./{bin}",
			Env: append([]string{
				"GOCACHE={workdir}/.gocache",
				"GOPATH={workdir}/.gopath",
				"GO111MODULE=off",
				"CGO_ENABLED=0",
			}, commonEnv...),
			Image: "golang:1.23",
			// sysmon and the GC workers are threads of their own.
			MinProcesses: 16,
		},
		{
			Tag:        "javascript",
			Aliases:    []string{"js", "node"},
			Name:       "JavaScript (Node.js)",
			SourceFile: "main.js",
			RunCmd:     "node {src}",
			Env:        commonEnv,
			Image:      "node:20-slim",
			// V8 reserves address space well beyond the live heap.
			TimeMultiplier:   2,
			MemoryMultiplier: 2,
			MinProcesses:     16,
		},
		{
			Tag:        "typescript",
			Aliases:    []string{"ts"},
			Name:       "TypeScript (tsc + Node.js)",
			SourceFile: "main.ts",
			BinaryFile: "main.js",
			CompileCmd: "tsc --target es2020 --module commonjs --outDir . {src}",
			RunCmd:     "node {bin}",
			Env:        commonEnv,
			Image:      "mcr.microsoft.com/devcontainers/typescript-node:20",
			// tsc runs on node too.
			TimeMultiplier:   2,
			MemoryMultiplier: 2,
			MinProcesses:     16,
		},
		{
			Tag:              "java",
			Name:             "Java",
			SourceFile:       "Main.java",
			CompileCmd:       "javac -encoding UTF-8 Main.java",
			RunCmd:           "java -Xss64m -XX:+UseSerialGC Main",
			Artifacts:        []string{"*.class"},
			Env:              commonEnv,
			Image:            "eclipse-temurin:21",
			TimeMultiplier:   2,
			MemoryMultiplier: 2,
			MinProcesses:     64,
		},
		{
			Tag:              "csharp",
			Aliases:          []string{"cs", "c#"},
			Name:             "C# (Mono)",
			SourceFile:       "Program.cs",
			BinaryFile:       "main.exe",
			CompileCmd:       "mcs -optimize+ -out:{bin} {src}",
			RunCmd:           "mono {bin}",
			Env:              append([]string{"MONO_GC_PARAMS=nursery-size=16m"}, commonEnv...),
			Image:            "mono:6.12",
			TimeMultiplier:   2,
			MemoryMultiplier: 2,
			MinProcesses:     32,
		},
		{
			Tag:        "rust",
			Aliases:    []string{"rs"},
			Name:       "Rust",
			SourceFile: "main.rs",
			BinaryFile: "main",
			CompileCmd: "rustc -O --edition 2021 -o {bin} {src}",
			RunCmd:     "./{bin}",
			Env:        commonEnv,
			Image:      "rust:1.82-slim",
		},
	}
}
