package imgtest

// BasicELFConfig describes a small position independent executable.
// func is at 0x64a, the data symbol i64 is at 0x201020, and printf
// is the first PLT import (stub at 0x520).
func BasicELFConfig() ELFConfig {
	return ELFConfig{
		Functions: []Symbol{
			{Name: "main", Delta: 0x660, Size: 0x40},
			{Name: "func", Delta: 0x64a, Size: 0x16},
		},
		Objects: []Symbol{
			{Name: "i64", Delta: 0x201020, Size: 8},
			{Name: "i32", Delta: 0x201028, Size: 4},
			{Name: "counter", Delta: 0x202010, Size: 8},
		},
		LocalFunctions: []Symbol{
			{Name: "helper", Delta: 0x700, Size: 0x10},
		},
		Imports:     []string{"printf", "puts"},
		DataImports: []string{"stdout"},
	}
}

// BasicELF returns the image described by BasicELFConfig.
func BasicELF() []byte {
	return ELF(BasicELFConfig())
}

// LibELFConfig describes a shared library that exports printf and
// a C++ function.
func LibELFConfig() ELFConfig {
	return ELFConfig{
		Functions: []Symbol{
			{Name: "printf", Delta: 0x700, Size: 0x30},
			{Name: "strlen", Delta: 0x740, Size: 0x20},
			{Name: "_ZN4demo5helloEv", Delta: 0x780, Size: 0x10},
		},
		Objects: []Symbol{
			{Name: "environ", Delta: 0x201040, Size: 8},
		},
		Imports: []string{"__cxa_finalize"},
	}
}

// LibELF returns the image described by LibELFConfig.
func LibELF() []byte {
	return ELF(LibELFConfig())
}

// BasicPEConfig describes a PE32+ DLL with named, ordinal, and
// forwarded entries.
func BasicPEConfig() PEConfig {
	return PEConfig{
		Name: "demo.dll",
		Functions: []Symbol{
			{Name: "DemoFunc", Delta: 0x1010},
			{Name: "DemoOther", Delta: 0x1040},
		},
		Objects: []Symbol{
			{Name: "DemoData", Delta: 0x3008},
		},
		Forwarders: []PEForwarder{
			{Name: "DemoForward", Target: "NTDLL.RtlDemo"},
		},
		Imports: []PEImport{
			{Library: "KERNEL32.dll", Names: []string{"GetProcAddress", "LoadLibraryA"}},
			{Library: "msvcrt.dll", Names: []string{"printf"}, Ordinals: []uint16{17}},
		},
	}
}

// BasicPE returns the image described by BasicPEConfig.
func BasicPE() []byte {
	return PE(BasicPEConfig())
}
