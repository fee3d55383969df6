package state

// Item keys shared by the staging pipeline, processors and job steps.
const (
	KeySourcePaths = "source_paths"
	KeyTargetPath  = "target_path"
	KeyOutputPath  = "output_path"
	KeyProcessors  = "processors"

	KeyFaceSelectorMode      = "face_selector_mode"
	KeyFaceSelectorDistance  = "face_selector_distance"
	KeyReferenceFacePosition = "reference_face_position"
	KeyReferenceFrameNumber  = "reference_frame_number"

	KeyTrimFrameStart  = "trim_frame_start"
	KeyTrimFrameEnd    = "trim_frame_end"
	KeyTempPath        = "temp_path"
	KeyTempFrameFormat = "temp_frame_format"
	KeyKeepTemp        = "keep_temp"

	KeyOutputImageQuality    = "output_image_quality"
	KeyOutputImageResolution = "output_image_resolution"
	KeyOutputVideoEncoder    = "output_video_encoder"
	KeyOutputVideoPreset     = "output_video_preset"
	KeyOutputVideoQuality    = "output_video_quality"
	KeyOutputVideoResolution = "output_video_resolution"
	KeyOutputVideoFPS        = "output_video_fps"
	KeySkipAudio             = "skip_audio"

	KeyExecutionDeviceID    = "execution_device_id"
	KeyExecutionProviders   = "execution_providers"
	KeyExecutionThreadCount = "execution_thread_count"
	KeyExecutionQueueCount  = "execution_queue_count"
	KeyVideoMemoryStrategy  = "video_memory_strategy"

	KeyJobsPath = "jobs_path"
)

// coreStepKeys are frozen into every job step. Execution settings are
// deliberately absent: they belong to the process running the job.
var coreStepKeys = []string{
	KeySourcePaths,
	KeyTargetPath,
	KeyOutputPath,
	KeyProcessors,
	KeyFaceSelectorMode,
	KeyFaceSelectorDistance,
	KeyReferenceFacePosition,
	KeyReferenceFrameNumber,
	KeyTrimFrameStart,
	KeyTrimFrameEnd,
	KeyTempFrameFormat,
	KeyKeepTemp,
	KeyOutputImageQuality,
	KeyOutputImageResolution,
	KeyOutputVideoEncoder,
	KeyOutputVideoPreset,
	KeyOutputVideoQuality,
	KeyOutputVideoResolution,
	KeyOutputVideoFPS,
	KeySkipAudio,
}
