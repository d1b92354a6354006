package main

import (
	"os"

	"github.com/MrCodeEU/FaceAttend/internal/cli"
	"github.com/MrCodeEU/FaceAttend/internal/daemon"
)

func main() {
	if len(os.Args) < 2 {
		cli.RunVerify(nil)
		return
	}

	switch os.Args[1] {
	case "verify":
		cli.RunVerify(os.Args[2:])
	case "enroll":
		cli.RunEnroll(os.Args[2:])
	case "remove":
		cli.RunRemove(os.Args[2:])
	case "history":
		cli.RunHistory(os.Args[2:])
	case "config":
		cli.RunConfig(os.Args[2:])
	case "daemon":
		daemon.Run(os.Args[2:])
	case "trigger":
		daemon.RunTrigger(os.Args[2:])
	case "--help", "-h", "help":
		printHelp()
	case "--version", "-v", "version":
		printVersion()
	default:
		println("Unknown command: " + os.Args[1])
		println("")
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	println("FaceAttend - Face recognition attendance client")
	println("")
	println("Usage:")
	println("  faceattend                 Run the attendance kiosk (default)")
	println("  faceattend verify          Run the attendance kiosk (explicit)")
	println("  faceattend enroll          Add a student")
	println("  faceattend remove          Remove a student")
	println("  faceattend history         Show recorded attempts")
	println("  faceattend config          Show or initialise configuration")
	println("  faceattend daemon          Run the kiosk behind a Unix socket")
	println("  faceattend trigger [cmd]   Send VERIFY, STATUS or PING to the daemon")
	println("  faceattend --help          Show this help message")
	println("  faceattend --version       Show version information")
	println("")
	println("Subcommand Options:")
	println("")
	println("  verify:")
	println("    -device <path>          Camera device (overrides config)")
	println("    -once                   Verify a single frame and exit")
	println("")
	println("  enroll:")
	println("    -name <student>         Student name (required)")
	println("    -image <file>           Upload an image file")
	println("    -capture                Capture the photo from the webcam")
	println("    -preview <file>         Write the captured photo to a file")
	println("    -list                   List the last known roster")
	println("")
	println("  remove:")
	println("    -name <student>         Student name (required)")
	println("    -yes                    Do not ask for confirmation")
	println("")
	println("  history:")
	println("    -name <student>         Only show this student")
	println("    -limit <n>              Maximum entries (default: 20)")
	println("")
	println("  config:")
	println("    -init <path>            Write the default configuration")
	println("")
	println("All subcommands accept -config <path>; most accept -verbose.")
	println("")
	println("Examples:")
	println("  faceattend enroll -name \"Ada Lovelace\" -capture")
	println("  faceattend remove -name \"Ada Lovelace\"")
	println("  faceattend verify -once")
	println("  faceattend trigger verify")
}

func printVersion() {
	println("FaceAttend - Face recognition attendance client")
	println("========================================")
	println("Version: " + daemon.Version)
	println("License: MIT")
	println("")
	println("Features:")
	println("  - Webcam enrollment and attendance verification")
	println("  - Local SQLite attempt journal")
	println("  - Socket-triggered kiosk daemon")
	println("")
	println("Hardware Support:")
	println("  - V4L2 cameras (MJPEG, YUYV, RGB, greyscale)")
}
