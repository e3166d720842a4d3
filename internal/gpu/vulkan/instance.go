// Package vulkan implements the frame pipeline's device on vkngwrapper, presenting to an SDL2
// window. It has no binding for the tensor and data graph extensions, so it never offers a data
// graph queue and the frame pipeline takes the direct path.
package vulkan

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"
)

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}

// Instance owns the Vulkan instance, the validation messenger and the window surface.
type Instance struct {
	window *sdl.Window
	log    *slog.Logger

	globalDriver core1_0.GlobalDriver
	driver       core1_0.CoreInstanceDriver

	debugDriver    ext_debug_utils.ExtensionDriver
	debugMessenger ext_debug_utils.DebugUtilsMessenger

	surfaceExtension khr_surface.ExtensionDriver
	surface          khr_surface.Surface
}

// NewInstance loads the loader through SDL and creates the instance and surface for window.
func NewInstance(window *sdl.Window, appName string, validation bool, log *slog.Logger) (*Instance, error) {
	i := &Instance{window: window, log: log.With("component", "vulkan")}

	var err error
	i.globalDriver, err = core.CreateDriverFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return nil, errors.Wrap(err, "load vulkan")
	}

	if err := i.createInstance(appName, validation); err != nil {
		i.Destroy()
		return nil, err
	}
	if validation {
		if err := i.setupDebugMessenger(); err != nil {
			i.Destroy()
			return nil, err
		}
	}
	if err := i.createSurface(); err != nil {
		i.Destroy()
		return nil, err
	}
	return i, nil
}

func (i *Instance) createInstance(appName string, validation bool) error {
	createInfo := core1_0.InstanceCreateInfo{
		ApplicationName:    appName,
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "graphpipelines",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	extensions, _, err := i.globalDriver.AvailableExtensions()
	if err != nil {
		return errors.Wrap(err, "enumerate instance extensions")
	}
	for _, ext := range i.window.VulkanGetInstanceExtensions() {
		if _, ok := extensions[ext]; !ok {
			return errors.Newf("instance extension %s required by SDL is missing", ext)
		}
		createInfo.EnabledExtensionNames = append(createInfo.EnabledExtensionNames, ext)
	}
	if _, ok := extensions[khr_portability_enumeration.ExtensionName]; ok {
		createInfo.EnabledExtensionNames = append(createInfo.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		createInfo.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	if validation {
		layers, _, err := i.globalDriver.AvailableLayers()
		if err != nil {
			return errors.Wrap(err, "enumerate instance layers")
		}
		for _, layer := range validationLayers {
			if _, ok := layers[layer]; !ok {
				return errors.Newf("validation layer %s is not available, install the Vulkan SDK", layer)
			}
			createInfo.EnabledLayerNames = append(createInfo.EnabledLayerNames, layer)
		}
		createInfo.EnabledExtensionNames = append(createInfo.EnabledExtensionNames, ext_debug_utils.ExtensionName)
		createInfo.Next = i.debugMessengerOptions()
	}

	i.driver, _, err = i.globalDriver.CreateInstance(nil, createInfo)
	if err != nil {
		return errors.Wrap(err, "create instance")
	}
	return nil
}

func (i *Instance) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    i.logDebug,
	}
}

func (i *Instance) setupDebugMessenger() error {
	var err error
	i.debugDriver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(i.driver)
	i.debugMessenger, _, err = i.debugDriver.CreateDebugUtilsMessenger(nil, i.debugMessengerOptions())
	return errors.Wrap(err, "create debug messenger")
}

func (i *Instance) createSurface() error {
	i.surfaceExtension = khr_surface.CreateExtensionDriverFromCoreDriver(i.driver)
	surface, err := vkng_sdl2.CreateSurface(i.driver.Instance(), i.surfaceExtension, i.window)
	if err != nil {
		return errors.Wrap(err, "create window surface")
	}
	i.surface = surface
	return nil
}

func (i *Instance) logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	level := slog.LevelWarn
	if severity&ext_debug_utils.SeverityError != 0 {
		level = slog.LevelError
	}
	i.log.Log(context.Background(), level, data.Message, "type", msgType.String(), "severity", severity.String())
	return false
}

// Window is the window the surface presents to.
func (i *Instance) Window() *sdl.Window {
	return i.window
}

func (i *Instance) Destroy() {
	if i.debugMessenger.Initialized() {
		i.debugDriver.DestroyDebugUtilsMessenger(i.debugMessenger, nil)
		i.debugMessenger = ext_debug_utils.DebugUtilsMessenger{}
	}
	if i.surface.Initialized() {
		i.surfaceExtension.DestroySurface(i.surface, nil)
		i.surface = khr_surface.Surface{}
	}
	if i.driver != nil {
		i.driver.DestroyInstance(nil)
		i.driver = nil
	}
}
