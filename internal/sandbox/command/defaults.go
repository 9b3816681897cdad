package command

// DefaultLanguages is used when the config file lists no languages.
func DefaultLanguages() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:            "cpp",
			Aliases:       []string{"c++", "NATIVE_COMPILED"},
			SourceFile:    "main.cpp",
			BinaryFile:    "main",
			CompileCmdTpl: "g++ {src} -o {bin}",
			RunCmdTpl:     "{bin}",
			InputShape:    ShapeStdin,
			Env:           []string{"LC_ALL=en_US.UTF-8", "LANG=en_US.UTF-8"},
			Strategy:      StrategyProcess,
			Image:         "gcc:13",
		},
		{
			ID:            "java",
			Aliases:       []string{"JVM_COMPILED"},
			SourceFile:    "Main.java",
			CompileCmdTpl: "javac -encoding utf-8 {src}",
			RunCmdTpl:     "java -Xmx256m -Dfile.encoding=UTF-8 -cp {dir} Main",
			InputShape:    ShapeArgs,
			Strategy:      StrategyProcess,
			Image:         "openjdk:8-alpine",
		},
		{
			ID:         "python",
			Aliases:    []string{"python3"},
			SourceFile: "main.py",
			RunCmdTpl:  "python3 {src}",
			InputShape: ShapeStdin,
			Strategy:   StrategyProcess,
			Image:      "python:3.12-alpine",
		},
	}
}
